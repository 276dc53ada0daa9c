package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/metrics"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/testutil"
	"github.com/djlord-it/watchrecord/internal/transport/channel"
	"github.com/djlord-it/watchrecord/internal/trigger"
)

type mockStore struct {
	mu            sync.Mutex
	records       []record.Stored
	quarantined   map[string]string
	err           error
	quarantineErr error
}

// ListTriggeredWatches mirrors the store query: oldest first, quarantined
// records left out, at most limit rows.
func (s *mockStore) ListTriggeredWatches(ctx context.Context, olderThan time.Time, limit int) ([]record.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	sorted := append([]record.Stored(nil), s.records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var result []record.Stored
	for _, r := range sorted {
		if _, ok := s.quarantined[r.ID]; ok {
			continue
		}
		if r.CreatedAt.Before(olderThan) {
			result = append(result, r)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) QuarantineTriggeredWatch(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantineErr != nil {
		return s.quarantineErr
	}
	if s.quarantined == nil {
		s.quarantined = make(map[string]string)
	}
	s.quarantined[id] = reason
	return nil
}

func (s *mockStore) reason(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.quarantined[id]
	return r, ok
}

func (s *mockStore) CountTriggeredWatches(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

type mockEmitter struct {
	mu      sync.Mutex
	emitted []domain.TriggeredWatch
	err     error
}

func (e *mockEmitter) Emit(ctx context.Context, w domain.TriggeredWatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.emitted = append(e.emitted, w)
	return nil
}

func (e *mockEmitter) all() []domain.TriggeredWatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.TriggeredWatch(nil), e.emitted...)
}

type mockMetrics struct {
	mu        sync.Mutex
	decoded   map[string]int
	failures  map[string]int
	cycles    int
	recovered int
	pending   int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{decoded: make(map[string]int), failures: make(map[string]int)}
}

func (m *mockMetrics) RecordDecoded(triggerType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decoded[triggerType]++
}

func (m *mockMetrics) RecordDecodeFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[reason]++
}

func (m *mockMetrics) RecoveryCycleCompleted(duration time.Duration, recovered int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	m.recovered += recovered
}

func (m *mockMetrics) PendingRecordsUpdate(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = count
}

var now = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestReconciler(store Store, emitter EventEmitter) *Reconciler {
	r := New(Config{Interval: time.Minute, Threshold: 10 * time.Minute, BatchSize: 100},
		store, record.NewCodec(trigger.NewDefaultRegistry()), emitter)
	r.clock = func() time.Time { return now }
	return r
}

func stale(t *testing.T, name string) record.Stored {
	t.Helper()
	return testutil.StoredRecord(t, testutil.ScheduledWatch(name, now.Add(-time.Hour)), now.Add(-30*time.Minute))
}

func raw(id, source string) record.Stored {
	return record.Stored{ID: id, Version: 1, Source: []byte(source), CreatedAt: now.Add(-30 * time.Minute)}
}

func TestReconciler_RecoversStaleRecords(t *testing.T) {
	store := &mockStore{records: []record.Stored{stale(t, "a"), stale(t, "b")}}
	emitter := &mockEmitter{}

	res, err := newTestReconciler(store, emitter).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Listed != 2 || res.Recovered != 2 {
		t.Errorf("result = %+v, want 2 listed and recovered", res)
	}
	got := emitter.all()
	if len(got) != 2 {
		t.Fatalf("emitted %d, want 2", len(got))
	}
	if got[0].ID().String() != store.records[0].ID {
		t.Errorf("re-emitted id %s, want the stored id %s", got[0].ID(), store.records[0].ID)
	}
	if got[0].TriggerEvent().Type() != "schedule" {
		t.Errorf("trigger type = %q, want schedule", got[0].TriggerEvent().Type())
	}
}

func TestReconciler_IgnoresRecentRecords(t *testing.T) {
	recent := testutil.StoredRecord(t, testutil.ScheduledWatch("a", now), now.Add(-time.Minute))
	store := &mockStore{records: []record.Stored{recent}}
	emitter := &mockEmitter{}

	res, _ := newTestReconciler(store, emitter).RunOnce(context.Background())

	if res.Listed != 0 || len(emitter.all()) != 0 {
		t.Errorf("recent record should not be recovered, result = %+v", res)
	}
}

func TestReconciler_BatchSizeRespected(t *testing.T) {
	store := &mockStore{}
	for i := 0; i < 10; i++ {
		store.records = append(store.records, stale(t, fmt.Sprintf("w%d", i)))
	}
	emitter := &mockEmitter{}

	r := newTestReconciler(store, emitter)
	r.config.BatchSize = 3
	r.RunOnce(context.Background())

	if n := len(emitter.all()); n != 3 {
		t.Errorf("emitted %d, want 3", n)
	}
}

func TestReconciler_CorruptRecordsSkipped(t *testing.T) {
	good := stale(t, "good")
	store := &mockStore{records: []record.Stored{
		raw("w_1", `{}`),
		raw("w_2", `[]`),
		raw("w_3", `{"trigger_event":{"cron":{}}}`),
		raw("noseparator", `{"trigger_event":{}}`),
		raw("w_5", `{"trigger_event":{"schedule":{"scheduled_time":`),
		raw("w_6", `{"trigger_event":{"schedule":{"nope":1}}}`),
		good,
	}}
	emitter := &mockEmitter{}
	m := newMockMetrics()

	res, err := newTestReconciler(store, emitter).WithMetrics(m).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("corrupt records must not fail the pass: %v", err)
	}

	if res.Corrupt != 6 || res.Recovered != 1 {
		t.Errorf("result = %+v, want 6 corrupt and 1 recovered", res)
	}
	if got := emitter.all(); len(got) != 1 || got[0].ID().String() != good.ID {
		t.Errorf("emitted %v, want only the good record", got)
	}

	want := map[string]int{
		metrics.ReasonMissingTriggerEvent: 1,
		metrics.ReasonNotAnObject:         1,
		metrics.ReasonUnknownTriggerType:  1,
		metrics.ReasonInvalidID:           1,
		metrics.ReasonMalformed:           2,
	}
	for reason, n := range want {
		if m.failures[reason] != n {
			t.Errorf("failures[%s] = %d, want %d", reason, m.failures[reason], n)
		}
	}
	if m.decoded["schedule"] != 1 {
		t.Errorf("decoded[schedule] = %d, want 1", m.decoded["schedule"])
	}
}

func TestReconciler_CorruptRecordsQuarantined(t *testing.T) {
	store := &mockStore{records: []record.Stored{
		raw("w_1", `{}`),
		raw("w_2", `{"trigger_event":{"cron":{}}}`),
	}}

	res, err := newTestReconciler(store, &mockEmitter{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Quarantined != 2 {
		t.Errorf("Quarantined = %d, want 2", res.Quarantined)
	}

	for id, want := range map[string]string{
		"w_1": metrics.ReasonMissingTriggerEvent,
		"w_2": metrics.ReasonUnknownTriggerType,
	} {
		got, ok := store.reason(id)
		if !ok {
			t.Errorf("record %s not quarantined", id)
			continue
		}
		if got != want {
			t.Errorf("record %s quarantined with reason %q, want %q", id, got, want)
		}
	}
}

func TestReconciler_ValidRecordBehindFullCorruptBatch(t *testing.T) {
	good := stale(t, "good")
	good.CreatedAt = now.Add(-20 * time.Minute)

	corrupt1 := raw("w_1", `{}`)
	corrupt1.CreatedAt = now.Add(-40 * time.Minute)
	corrupt2 := raw("w_2", `[]`)
	corrupt2.CreatedAt = now.Add(-30 * time.Minute)

	store := &mockStore{records: []record.Stored{good, corrupt2, corrupt1}}
	emitter := &mockEmitter{}
	r := newTestReconciler(store, emitter)
	r.config.BatchSize = 2

	first, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Corrupt != 2 || first.Recovered != 0 {
		t.Errorf("first pass = %+v, want the two corrupt records only", first)
	}

	second, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Corrupt != 0 || second.Recovered != 1 {
		t.Errorf("second pass = %+v, want the valid record recovered", second)
	}
	if got := emitter.all(); len(got) != 1 || got[0].ID().String() != good.ID {
		t.Errorf("emitted %v, want only the valid record", got)
	}
}

func TestReconciler_QuarantineErrorContinues(t *testing.T) {
	good := stale(t, "good")
	store := &mockStore{
		records:       []record.Stored{raw("w_1", `{}`), good},
		quarantineErr: errors.New("connection reset"),
	}
	emitter := &mockEmitter{}

	res, err := newTestReconciler(store, emitter).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("quarantine failures must not fail the pass: %v", err)
	}
	if res.Corrupt != 1 || res.Quarantined != 0 || res.Recovered != 1 {
		t.Errorf("result = %+v, want 1 corrupt, 0 quarantined, 1 recovered", res)
	}
}

func TestReconciler_DuplicatesCollapsed(t *testing.T) {
	r1 := stale(t, "a")
	r2 := r1
	r2.Version = 2
	store := &mockStore{records: []record.Stored{r1, r2}}
	emitter := &mockEmitter{}

	res, _ := newTestReconciler(store, emitter).RunOnce(context.Background())

	if res.Duplicates != 1 || res.Recovered != 1 {
		t.Errorf("result = %+v, want 1 duplicate and 1 recovered", res)
	}
}

func TestReconciler_StoreErrorAborts(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	emitter := &mockEmitter{}

	_, err := newTestReconciler(store, emitter).RunOnce(context.Background())

	if !errors.Is(err, store.err) {
		t.Errorf("RunOnce error = %v, want wrapped store error", err)
	}
	if len(emitter.all()) != 0 {
		t.Error("nothing should be emitted when listing fails")
	}
}

func TestReconciler_EmitErrorContinues(t *testing.T) {
	store := &mockStore{records: []record.Stored{stale(t, "a"), stale(t, "b")}}
	emitter := &mockEmitter{err: channel.ErrBufferFull}

	res, err := newTestReconciler(store, emitter).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.EmitFailed != 2 {
		t.Errorf("EmitFailed = %d, want 2", res.EmitFailed)
	}
}

func TestReconciler_CancelledContext(t *testing.T) {
	store := &mockStore{records: []record.Stored{stale(t, "a")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestReconciler(store, &mockEmitter{}).RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RunOnce error = %v, want context.Canceled", err)
	}
}

func TestReconciler_RunRecordsCycleMetrics(t *testing.T) {
	store := &mockStore{records: []record.Stored{stale(t, "a")}}
	m := newMockMetrics()
	r := newTestReconciler(store, &mockEmitter{}).WithMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		cycles := m.cycles
		m.mu.Unlock()
		if cycles > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cycles < 1 || m.recovered < 1 {
		t.Errorf("cycles=%d recovered=%d, want a startup pass", m.cycles, m.recovered)
	}
	if m.pending != 1 {
		t.Errorf("pending = %d, want 1", m.pending)
	}
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	r := New(Config{Threshold: time.Hour}, &mockStore{}, record.NewCodec(trigger.NewDefaultRegistry()), &mockEmitter{})

	def := DefaultConfig()
	if r.config.Interval != def.Interval {
		t.Errorf("Interval = %s, want %s", r.config.Interval, def.Interval)
	}
	if r.config.BatchSize != def.BatchSize {
		t.Errorf("BatchSize = %d, want %d", r.config.BatchSize, def.BatchSize)
	}
	if r.config.Threshold != time.Hour {
		t.Errorf("Threshold = %s, want the configured 1h", r.config.Threshold)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", record.ErrMissingTriggerEvent), metrics.ReasonMissingTriggerEvent},
		{record.ErrNotAnObject, metrics.ReasonNotAnObject},
		{fmt.Errorf("%w [cron]", trigger.ErrUnknownTriggerType), metrics.ReasonUnknownTriggerType},
		{domain.ErrInvalidExecutionID, metrics.ReasonInvalidID},
		{record.ErrMissingID, metrics.ReasonInvalidID},
		{&record.ParseError{ID: "w_1", Err: errors.New("eof")}, metrics.ReasonMalformed},
		{trigger.ErrMalformedTriggerEvent, metrics.ReasonMalformed},
	}
	for _, tt := range tests {
		if got := FailureReason(tt.err); got != tt.want {
			t.Errorf("FailureReason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
