// Package record converts triggered watch records between their stored
// document form and domain.TriggeredWatch values.
//
// A stored record looks like
//
//	{"trigger_event":{"schedule":{"scheduled_time":"...","triggered_time":"..."}}}
//
// Only trigger_event is meaningful. Every other top-level field is skipped so
// fields added later do not break older readers.
package record

import (
	"errors"
	"fmt"
	"io"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
)

// TriggerEventDecoder decodes the trigger_event sub-document of a record.
// The parser is positioned at the sub-document's START_OBJECT and the
// decoder must consume it up to and including the matching END_OBJECT.
// Implementations must be safe for concurrent use.
type TriggerEventDecoder interface {
	DecodeTriggerEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error)
}

// Codec decodes stored records. It holds no state besides the injected event
// decoder and may be shared between goroutines.
type Codec struct {
	events TriggerEventDecoder
}

func NewCodec(events TriggerEventDecoder) *Codec {
	return &Codec{events: events}
}

// Decode parses a stored record. The parser opened over source is closed on
// every path. Failures reading the document are returned as *ParseError; an
// error from the event decoder is returned as is.
//
// version is the storage version of the record. It is not interpreted.
func (c *Codec) Decode(id string, version int64, source []byte) (domain.TriggeredWatch, error) {
	p := document.NewBytesParser(source)
	defer p.Close()

	w, err := c.DecodeFrom(id, version, p)
	if err != nil {
		var readErr *document.ReadError
		if errors.As(err, &readErr) {
			return domain.TriggeredWatch{}, &ParseError{ID: id, Err: err}
		}
		return domain.TriggeredWatch{}, err
	}
	return w, nil
}

// DecodeFrom parses a record from an already opened parser positioned before
// the record's START_OBJECT. The caller owns the parser.
func (c *Codec) DecodeFrom(id string, version int64, p *document.Parser) (domain.TriggeredWatch, error) {
	if id == "" {
		return domain.TriggeredWatch{}, ErrMissingID
	}

	execID, err := domain.ParseExecutionID(id)
	if err != nil {
		return domain.TriggeredWatch{}, err
	}

	tok, err := p.NextToken()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.TriggeredWatch{}, fmt.Errorf("watch record [%s]: %w", id, ErrNotAnObject)
		}
		return domain.TriggeredWatch{}, err
	}
	if tok != document.TokenStartObject {
		return domain.TriggeredWatch{}, fmt.Errorf("watch record [%s]: %w, found %s", id, ErrNotAnObject, tok)
	}

	var event domain.TriggerEvent
	for {
		tok, err := p.NextToken()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = &document.ReadError{Err: io.ErrUnexpectedEOF}
			}
			return domain.TriggeredWatch{}, err
		}
		if tok == document.TokenEndObject {
			break
		}

		switch tok {
		case document.TokenStartObject:
			if p.CurrentName() == domain.FieldTriggerEvent {
				event, err = c.events.DecodeTriggerEvent(execID.WatchName(), id, p)
				if err != nil {
					return domain.TriggeredWatch{}, err
				}
				continue
			}
			if err := p.SkipChildren(); err != nil {
				return domain.TriggeredWatch{}, err
			}
		case document.TokenStartArray:
			if err := p.SkipChildren(); err != nil {
				return domain.TriggeredWatch{}, err
			}
		}
	}

	w := domain.NewTriggeredWatch(execID, event)
	if w.TriggerEvent() == nil {
		return domain.TriggeredWatch{}, fmt.Errorf("watch record [%s]: %w", id, ErrMissingTriggerEvent)
	}
	return w, nil
}
