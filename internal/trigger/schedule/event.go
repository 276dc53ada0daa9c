// Package schedule provides the trigger event fired by a watch's cron
// schedule.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
)

// Type is the type tag of schedule trigger events.
const Type = "schedule"

const (
	fieldScheduledTime = "scheduled_time"
	fieldTriggeredTime = "triggered_time"
)

var ErrInvalidEvent = errors.New("could not parse schedule trigger event")

// Event is a schedule tick: the time the schedule asked for and the time the
// scheduler actually fired.
type Event struct {
	ScheduledTime time.Time
	Triggered     time.Time
}

// NewEvent returns an event for a tick scheduled at scheduled and fired at
// triggered. Both are kept in UTC at millisecond precision, the precision
// records are stored with.
func NewEvent(scheduled, triggered time.Time) Event {
	return Event{
		ScheduledTime: scheduled.UTC().Truncate(time.Millisecond),
		Triggered:     triggered.UTC().Truncate(time.Millisecond),
	}
}

func (e Event) Type() string {
	return Type
}

func (e Event) TriggeredTime() time.Time {
	return e.Triggered
}

func (e Event) Encode(b *document.Builder, params document.Params) error {
	b.StartObject().
		Field(fieldScheduledTime).Time(e.ScheduledTime, params).
		Field(fieldTriggeredTime).Time(e.Triggered, params).
		EndObject()
	return b.Err()
}

// Decoder decodes schedule event payloads.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Type() string {
	return Type
}

// DecodeEvent reads {"scheduled_time":...,"triggered_time":...}. Both fields
// are required; any other field is rejected since the payload is written only
// by this package.
func (d *Decoder) DecodeEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error) {
	var event Event
	var haveScheduled, haveFired bool

	for {
		tok, err := p.NextToken()
		if err != nil {
			return nil, err
		}
		if tok == document.TokenEndObject {
			break
		}
		if tok != document.TokenFieldName {
			return nil, fmt.Errorf("%w for watch [%s]: unexpected token %s", ErrInvalidEvent, watchName, tok)
		}

		field := p.CurrentName()
		if _, err := p.NextToken(); err != nil {
			return nil, err
		}

		switch field {
		case fieldScheduledTime:
			t, err := p.Time()
			if err != nil {
				return nil, fmt.Errorf("%w for watch [%s]: [%s]: %v", ErrInvalidEvent, watchName, field, err)
			}
			event.ScheduledTime = t
			haveScheduled = true
		case fieldTriggeredTime:
			t, err := p.Time()
			if err != nil {
				return nil, fmt.Errorf("%w for watch [%s]: [%s]: %v", ErrInvalidEvent, watchName, field, err)
			}
			event.Triggered = t
			haveFired = true
		default:
			return nil, fmt.Errorf("%w for watch [%s]: unexpected field [%s]", ErrInvalidEvent, watchName, field)
		}
	}

	if !haveScheduled || !haveFired {
		return nil, fmt.Errorf("%w for watch [%s]: record [%s] needs both [%s] and [%s]",
			ErrInvalidEvent, watchName, recordID, fieldScheduledTime, fieldTriggeredTime)
	}
	return NewEvent(event.ScheduledTime, event.Triggered), nil
}
