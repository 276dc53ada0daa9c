// Package manual provides the trigger event recorded when a watch is executed
// on demand. A manual event wraps the event the watch would otherwise have
// been fired with, so replaying it behaves like the wrapped trigger.
package manual

import (
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
)

// Type is the type tag of manual trigger events.
const Type = "manual"

var ErrMissingInner = errors.New("manual trigger event has no wrapped event")

// Event is an on-demand execution wrapping Inner.
type Event struct {
	Inner domain.TriggerEvent
}

func NewEvent(inner domain.TriggerEvent) Event {
	return Event{Inner: inner}
}

func (e Event) Type() string {
	return Type
}

func (e Event) TriggeredTime() time.Time {
	if e.Inner == nil {
		return time.Time{}
	}
	return e.Inner.TriggeredTime()
}

// Encode writes {"<inner type>":<inner payload>}.
func (e Event) Encode(b *document.Builder, params document.Params) error {
	if e.Inner == nil {
		return ErrMissingInner
	}
	b.StartObject().Field(e.Inner.Type())
	if err := b.Err(); err != nil {
		return err
	}
	if err := e.Inner.Encode(b, params); err != nil {
		return err
	}
	b.EndObject()
	return b.Err()
}

// InnerDecoder decodes the wrapped event. The trigger registry satisfies it.
type InnerDecoder interface {
	DecodeTriggerEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error)
}

// Decoder decodes manual event payloads by handing the wrapped event back to
// an InnerDecoder.
type Decoder struct {
	inner InnerDecoder
}

func NewDecoder(inner InnerDecoder) *Decoder {
	return &Decoder{inner: inner}
}

func (d *Decoder) Type() string {
	return Type
}

func (d *Decoder) DecodeEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error) {
	inner, err := d.inner.DecodeTriggerEvent(watchName, recordID, p)
	if err != nil {
		return nil, fmt.Errorf("manual trigger event for watch [%s]: %w", watchName, err)
	}
	if inner == nil {
		return nil, fmt.Errorf("%w for watch [%s]", ErrMissingInner, watchName)
	}
	return NewEvent(inner), nil
}
