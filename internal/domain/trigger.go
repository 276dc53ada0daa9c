package domain

import (
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
)

// TriggerEvent describes what caused a watch to fire. Concrete events live in
// the trigger packages; the set is open.
type TriggerEvent interface {
	// Type is the event's type tag. It is also the field name the payload is
	// nested under when the event is written into a record.
	Type() string

	// TriggeredTime is when the event fired.
	TriggeredTime() time.Time

	// Encode writes the event payload object.
	Encode(b *document.Builder, params document.Params) error
}
