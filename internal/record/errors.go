package record

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when a record is decoded without an id.
	ErrMissingID = errors.New("watch record id is missing")

	// ErrNotAnObject is returned when a record document is not an object.
	ErrNotAnObject = errors.New("watch record is not an object")

	// ErrMissingTriggerEvent is returned when a record has no trigger_event
	// sub-document. Such a record cannot be replayed.
	ErrMissingTriggerEvent = errors.New("watch record is missing trigger")
)

// ParseError reports that a stored record could not be read.
type ParseError struct {
	ID  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse watch record [%s]: %v", e.ID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
