// Package trigger resolves trigger event type tags to their decoders.
package trigger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
)

var (
	ErrUnknownTriggerType    = errors.New("unknown trigger event type")
	ErrMalformedTriggerEvent = errors.New("malformed trigger event")
	ErrDuplicateTriggerType  = errors.New("trigger event type already registered")
)

// EventDecoder decodes the payload of one trigger event type. DecodeEvent is
// called with the parser on the payload's START_OBJECT and must leave it on
// the matching END_OBJECT.
type EventDecoder interface {
	Type() string
	DecodeEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error)
}

// Registry maps type tags to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]EventDecoder
}

// NewRegistry returns a registry holding decoders. It panics on duplicate
// types, which is a wiring mistake.
func NewRegistry(decoders ...EventDecoder) *Registry {
	r := &Registry{decoders: make(map[string]EventDecoder)}
	for _, d := range decoders {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a decoder for d.Type().
func (r *Registry) Register(d EventDecoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[d.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTriggerType, d.Type())
	}
	r.decoders[d.Type()] = d
	return nil
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(typ string) (EventDecoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[typ]
	return d, ok
}

// DecodeTriggerEvent decodes a {"<type>": {...}} document. The parser must be
// on the document's START_OBJECT; it is left on the matching END_OBJECT.
func (r *Registry) DecodeTriggerEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error) {
	if tok := p.CurrentToken(); tok != document.TokenStartObject {
		return nil, fmt.Errorf("%w for watch [%s]: expected %s, found %s",
			ErrMalformedTriggerEvent, watchName, document.TokenStartObject, tok)
	}

	tok, err := p.NextToken()
	if err != nil {
		return nil, err
	}
	if tok != document.TokenFieldName {
		return nil, fmt.Errorf("%w for watch [%s]: expected the event type, found %s",
			ErrMalformedTriggerEvent, watchName, tok)
	}
	typ := p.CurrentName()

	decoder, ok := r.lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%w [%s] for watch [%s], known types %v",
			ErrUnknownTriggerType, typ, watchName, r.Types())
	}

	tok, err = p.NextToken()
	if err != nil {
		return nil, err
	}
	if tok != document.TokenStartObject {
		return nil, fmt.Errorf("%w for watch [%s]: [%s] must be an object, found %s",
			ErrMalformedTriggerEvent, watchName, typ, tok)
	}

	event, err := decoder.DecodeEvent(watchName, recordID, p)
	if err != nil {
		return nil, err
	}

	tok, err = p.NextToken()
	if err != nil {
		return nil, err
	}
	if tok != document.TokenEndObject {
		return nil, fmt.Errorf("%w for watch [%s]: expected a single event, found %s after [%s]",
			ErrMalformedTriggerEvent, watchName, tok, typ)
	}
	return event, nil
}
