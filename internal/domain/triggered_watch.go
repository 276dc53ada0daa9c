package domain

import "github.com/djlord-it/watchrecord/internal/document"

// FieldTriggerEvent and FieldState are the reserved top-level fields of a
// triggered watch record. Only trigger_event is written; state is reserved.
const (
	FieldTriggerEvent = "trigger_event"
	FieldState        = "state"
)

// TriggeredWatch records that a watch fired and the event that caused it.
// It is persisted so pending executions survive restarts.
//
// Identity is the ExecutionID alone: two records with the same id are the
// same execution regardless of their events.
type TriggeredWatch struct {
	id           ExecutionID
	triggerEvent TriggerEvent
}

// NewTriggeredWatch pairs an execution id with the event that fired it.
func NewTriggeredWatch(id ExecutionID, event TriggerEvent) TriggeredWatch {
	return TriggeredWatch{id: id, triggerEvent: event}
}

func (w TriggeredWatch) ID() ExecutionID {
	return w.id
}

func (w TriggeredWatch) TriggerEvent() TriggerEvent {
	return w.triggerEvent
}

// Key returns the value to index the record by in sets and maps.
func (w TriggeredWatch) Key() ExecutionID {
	return w.id
}

// Equal reports whether w and other are the same execution.
func (w TriggeredWatch) Equal(other TriggeredWatch) bool {
	return w.id == other.id
}

func (w TriggeredWatch) String() string {
	return w.id.String()
}

// Encode writes the record as
//
//	{"trigger_event":{"<event type>":<event payload>}}
func (w TriggeredWatch) Encode(b *document.Builder, params document.Params) error {
	b.StartObject().Field(FieldTriggerEvent).StartObject()
	if w.triggerEvent != nil {
		b.Field(w.triggerEvent.Type())
		if err := b.Err(); err != nil {
			return err
		}
		if err := w.triggerEvent.Encode(b, params); err != nil {
			return err
		}
	}
	b.EndObject().EndObject()
	return b.Err()
}
