package trigger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/trigger/manual"
	"github.com/djlord-it/watchrecord/internal/trigger/schedule"
)

// parserAt returns a parser positioned on the document's first START_OBJECT.
func parserAt(t *testing.T, src string) *document.Parser {
	t.Helper()
	p := document.NewBytesParser([]byte(src))
	t.Cleanup(func() { p.Close() })
	if tok, err := p.NextToken(); err != nil || tok != document.TokenStartObject {
		t.Fatalf("expected START_OBJECT, got %s (%v)", tok, err)
	}
	return p
}

func TestRegistry_DecodesScheduleEvent(t *testing.T) {
	r := NewDefaultRegistry()
	p := parserAt(t, `{"schedule":{"scheduled_time":"1970-01-01T00:00:00.000Z","triggered_time":"1970-01-01T00:00:01.000Z"}}`)

	event, err := r.DecodeTriggerEvent("watch1", "watch1_1", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	se, ok := event.(schedule.Event)
	if !ok {
		t.Fatalf("expected schedule.Event, got %T", event)
	}
	if !se.TriggeredTime().Equal(time.Unix(1, 0)) {
		t.Errorf("TriggeredTime = %v, want 1970-01-01T00:00:01Z", se.TriggeredTime())
	}
	if p.CurrentToken() != document.TokenEndObject {
		t.Errorf("parser left on %s, want END_OBJECT", p.CurrentToken())
	}
}

func TestRegistry_DecodesNestedManualEvent(t *testing.T) {
	r := NewDefaultRegistry()
	p := parserAt(t, `{"manual":{"schedule":{"scheduled_time":0,"triggered_time":1000}}}`)

	event, err := r.DecodeTriggerEvent("watch1", "watch1_1", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	me, ok := event.(manual.Event)
	if !ok {
		t.Fatalf("expected manual.Event, got %T", event)
	}
	if me.Inner.Type() != schedule.Type {
		t.Errorf("inner type = %q, want schedule", me.Inner.Type())
	}
	if !me.TriggeredTime().Equal(time.Unix(1, 0)) {
		t.Errorf("TriggeredTime = %v, want inner triggered time", me.TriggeredTime())
	}
}

func TestRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"empty object", `{}`, ErrMalformedTriggerEvent},
		{"unknown type", `{"webhook":{}}`, ErrUnknownTriggerType},
		{"scalar payload", `{"schedule":"now"}`, ErrMalformedTriggerEvent},
		{"two events", `{"schedule":{"scheduled_time":0,"triggered_time":0},"manual":{}}`, ErrMalformedTriggerEvent},
		{"bad payload", `{"schedule":{"scheduled_time":0}}`, schedule.ErrInvalidEvent},
	}

	r := NewDefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.DecodeTriggerEvent("watch1", "watch1_1", parserAt(t, tt.src))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistry_UnknownTypeListsKnownTypes(t *testing.T) {
	_, err := NewDefaultRegistry().DecodeTriggerEvent("watch1", "watch1_1", parserAt(t, `{"webhook":{}}`))
	if !errors.Is(err, ErrUnknownTriggerType) {
		t.Fatalf("got %v, want ErrUnknownTriggerType", err)
	}
	if !strings.Contains(err.Error(), "[manual schedule]") {
		t.Errorf("error %q does not list the known types", err)
	}
}

func TestRegistry_RequiresStartObject(t *testing.T) {
	p := document.NewBytesParser([]byte(`{"schedule":{}}`))
	defer p.Close()

	_, err := NewDefaultRegistry().DecodeTriggerEvent("w", "w_1", p)
	if !errors.Is(err, ErrMalformedTriggerEvent) {
		t.Errorf("got %v, want ErrMalformedTriggerEvent", err)
	}
}

type stubDecoder struct {
	typ string
}

func (d stubDecoder) Type() string { return d.typ }

func (d stubDecoder) DecodeEvent(watchName, recordID string, p *document.Parser) (domain.TriggerEvent, error) {
	return nil, p.SkipChildren()
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(stubDecoder{typ: "a"})

	if err := r.Register(stubDecoder{typ: "a"}); !errors.Is(err, ErrDuplicateTriggerType) {
		t.Errorf("got %v, want ErrDuplicateTriggerType", err)
	}
	if err := r.Register(stubDecoder{typ: "b"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	types := r.Types()
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("Types() = %v, want [a b]", types)
	}
}

func TestNewRegistry_PanicsOnDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate decoder")
		}
	}()
	NewRegistry(stubDecoder{typ: "a"}, stubDecoder{typ: "a"})
}
