package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// DateLayout is the layout used for timestamps written as strings.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrUnbalanced    = errors.New("unbalanced document")
	ErrFieldOutside  = errors.New("field written outside of an object")
	ErrValueExpected = errors.New("value expected after field name")
	ErrFieldExpected = errors.New("field name expected inside object")
)

type builderFrame struct {
	count     int  // fields written so far
	haveField bool // a field name was written and awaits its value
}

// Builder writes a document to an io.Writer. The first error, either a
// structural mistake or a write failure, is sticky: later calls are no-ops and
// Err reports it.
type Builder struct {
	w     io.Writer
	stack []builderFrame
	err   error
	roots int
}

// NewBuilder returns a builder writing compact JSON to w.
func NewBuilder(w io.Writer) *Builder {
	return &Builder{w: w}
}

// Err returns the first error encountered while building.
func (b *Builder) Err() error {
	return b.err
}

// Close checks that every object has been closed.
func (b *Builder) Close() error {
	if b.err != nil {
		return b.err
	}
	if len(b.stack) > 0 {
		b.err = fmt.Errorf("%w: %d open containers", ErrUnbalanced, len(b.stack))
	}
	return b.err
}

func (b *Builder) StartObject() *Builder {
	if !b.beforeValue() {
		return b
	}
	b.write("{")
	b.stack = append(b.stack, builderFrame{})
	return b
}

func (b *Builder) EndObject() *Builder {
	if b.err != nil {
		return b
	}
	top := b.top()
	if top == nil {
		b.err = fmt.Errorf("%w: unexpected %q", ErrUnbalanced, "}")
		return b
	}
	if top.haveField {
		b.err = ErrValueExpected
		return b
	}
	b.stack = b.stack[:len(b.stack)-1]
	b.write("}")
	return b
}

// Field writes a field name. The next call must write its value.
func (b *Builder) Field(name string) *Builder {
	if b.err != nil {
		return b
	}
	top := b.top()
	if top == nil {
		b.err = fmt.Errorf("%w: %q", ErrFieldOutside, name)
		return b
	}
	if top.haveField {
		b.err = fmt.Errorf("%w: %q", ErrValueExpected, name)
		return b
	}
	if top.count > 0 {
		b.write(",")
	}
	b.writeString(name)
	b.write(":")
	top.haveField = true
	top.count++
	return b
}

func (b *Builder) String(v string) *Builder {
	if b.beforeValue() {
		b.writeString(v)
	}
	return b
}

func (b *Builder) Int(v int64) *Builder {
	if b.beforeValue() {
		b.write(strconv.FormatInt(v, 10))
	}
	return b
}

// Time writes t in UTC, as a DateLayout string or, when params ask for
// epoch_millis, as milliseconds since the epoch.
func (b *Builder) Time(t time.Time, params Params) *Builder {
	if params.Param(ParamDateFormat, "") == DateFormatEpochMillis {
		return b.Int(t.UnixMilli())
	}
	return b.String(t.UTC().Format(DateLayout))
}

// beforeValue validates that a value may be written at the current position:
// the single root, or the value of a pending field.
func (b *Builder) beforeValue() bool {
	if b.err != nil {
		return false
	}
	top := b.top()
	if top == nil {
		if b.roots > 0 {
			b.err = fmt.Errorf("%w: more than one root value", ErrUnbalanced)
			return false
		}
		b.roots++
		return true
	}
	if !top.haveField {
		b.err = ErrFieldExpected
		return false
	}
	top.haveField = false
	return true
}

func (b *Builder) top() *builderFrame {
	if len(b.stack) == 0 {
		return nil
	}
	return &b.stack[len(b.stack)-1]
}

func (b *Builder) writeString(s string) {
	data, err := json.Marshal(s)
	if err != nil {
		b.err = fmt.Errorf("marshal string: %w", err)
		return
	}
	b.writeBytes(data)
}

func (b *Builder) write(s string) {
	b.writeBytes([]byte(s))
}

func (b *Builder) writeBytes(p []byte) {
	if b.err != nil {
		return
	}
	if _, err := b.w.Write(p); err != nil {
		b.err = err
	}
}
