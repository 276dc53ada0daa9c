package record

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
)

// Stored is a record as the storage layer hands it back: the raw id, the
// storage version and the undecoded document.
type Stored struct {
	ID        string
	Version   int64
	Source    []byte
	CreatedAt time.Time
}

// Encode renders w as a record document.
func Encode(w domain.TriggeredWatch, params document.Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, w, params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo writes w as a record document to out. Write failures are
// returned wrapped with the record id.
func EncodeTo(out io.Writer, w domain.TriggeredWatch, params document.Params) error {
	if w.TriggerEvent() == nil {
		return fmt.Errorf("encode watch record [%s]: %w", w.ID(), ErrMissingTriggerEvent)
	}
	b := document.NewBuilder(out)
	if err := w.Encode(b, params); err != nil {
		return fmt.Errorf("encode watch record [%s]: %w", w.ID(), err)
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("encode watch record [%s]: %w", w.ID(), err)
	}
	return nil
}
