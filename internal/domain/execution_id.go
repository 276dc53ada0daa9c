package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidExecutionID is returned when a raw id does not carry a watch name.
var ErrInvalidExecutionID = errors.New("invalid watch execution id")

const executionTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ExecutionID identifies one firing of a watch. The raw form is
// <watch name>_<occurrence>; the watch name is everything before the last
// underscore, so watch names may themselves contain underscores.
//
// ExecutionID is comparable and safe to use as a map key.
type ExecutionID struct {
	value     string
	watchName string
}

// NewExecutionID mints a fresh id for watchName firing at executionTime.
func NewExecutionID(watchName string, executionTime time.Time) ExecutionID {
	value := watchName + "_" + uuid.NewString() + "-" + executionTime.UTC().Format(executionTimeLayout)
	return ExecutionID{value: value, watchName: watchName}
}

// ParseExecutionID rebuilds an id from its raw string form.
func ParseExecutionID(raw string) (ExecutionID, error) {
	idx := strings.LastIndex(raw, "_")
	if idx <= 0 {
		return ExecutionID{}, fmt.Errorf("%w [%s]", ErrInvalidExecutionID, raw)
	}
	return ExecutionID{value: raw, watchName: raw[:idx]}, nil
}

// WatchName returns the logical name of the watch the id was minted for.
func (id ExecutionID) WatchName() string {
	return id.watchName
}

func (id ExecutionID) String() string {
	return id.value
}

// IsZero reports whether id is the zero value.
func (id ExecutionID) IsZero() bool {
	return id.value == ""
}
