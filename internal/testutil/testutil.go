// Package testutil provides shared test helpers for watchrecord.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/trigger/schedule"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseExecutionID parses an execution id and panics on error.
func MustParseExecutionID(s string) domain.ExecutionID {
	id, err := domain.ParseExecutionID(s)
	if err != nil {
		panic("testutil.MustParseExecutionID: " + err.Error())
	}
	return id
}

// ScheduledWatch builds a triggered record for watchName fired at scheduled,
// with a fresh execution id.
func ScheduledWatch(watchName string, scheduled time.Time) domain.TriggeredWatch {
	id := domain.NewExecutionID(watchName, scheduled)
	return domain.NewTriggeredWatch(id, schedule.NewEvent(scheduled, scheduled))
}

// StoredRecord encodes w the way the store persists it.
func StoredRecord(t *testing.T, w domain.TriggeredWatch, createdAt time.Time) record.Stored {
	t.Helper()
	source, err := record.Encode(w, nil)
	if err != nil {
		t.Fatalf("encode %s: %v", w.ID(), err)
	}
	return record.Stored{ID: w.ID().String(), Version: 1, Source: source, CreatedAt: createdAt}
}
