package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/watchrecord/internal/cron"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/testutil"
	"github.com/djlord-it/watchrecord/internal/transport/channel"
	"github.com/djlord-it/watchrecord/internal/trigger"
	"github.com/djlord-it/watchrecord/internal/trigger/manual"
)

// mockHandlerStore implements api.Store for handler tests.
type mockHandlerStore struct {
	mu sync.Mutex

	watches   map[string]domain.Watch
	records   []record.Stored
	putErr    error
	createErr error
	listErr   error
	put       []domain.TriggeredWatch
}

func newMockStore(watches ...domain.Watch) *mockHandlerStore {
	s := &mockHandlerStore{watches: make(map[string]domain.Watch)}
	for _, w := range watches {
		s.watches[w.Name] = w
	}
	return s
}

func (s *mockHandlerStore) CreateWatch(ctx context.Context, w domain.Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, exists := s.watches[w.Name]; exists {
		return domain.ErrDuplicateWatch
	}
	s.watches[w.Name] = w
	return nil
}

func (s *mockHandlerStore) ListWatches(ctx context.Context, limit, offset int) ([]domain.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Watch
	for _, w := range s.watches {
		out = append(out, w)
	}
	return out, nil
}

func (s *mockHandlerStore) GetWatch(ctx context.Context, name string) (domain.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[name]
	if !ok {
		return domain.Watch{}, domain.ErrWatchNotFound
	}
	return w, nil
}

func (s *mockHandlerStore) DeleteWatch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[name]; !ok {
		return domain.ErrWatchNotFound
	}
	delete(s.watches, name)
	return nil
}

func (s *mockHandlerStore) PutTriggeredWatch(ctx context.Context, w domain.TriggeredWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.put = append(s.put, w)
	return nil
}

func (s *mockHandlerStore) ListPendingTriggeredWatches(ctx context.Context, limit, offset int) ([]record.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.records, nil
}

func (s *mockHandlerStore) CountTriggeredWatches(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

type mockEmitter struct {
	mu      sync.Mutex
	err     error
	emitted []domain.TriggeredWatch
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

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

type staticBreaker []string

func (b staticBreaker) OpenEndpoints() []string { return b }

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

var testNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func testWatch(name string) domain.Watch {
	return domain.Watch{
		Name:           name,
		Enabled:        true,
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Webhook:        domain.Webhook{URL: "https://example.com/hook", Timeout: 30 * time.Second},
		CreatedAt:      testNow.Add(-time.Hour),
		UpdatedAt:      testNow.Add(-time.Hour),
	}
}

func newTestHandler(store *mockHandlerStore, emitter *mockEmitter) *Handler {
	h := NewHandler(store, emitter, record.NewCodec(trigger.NewDefaultRegistry()), cron.NewParser())
	h.clock = func() time.Time { return testNow }
	return h
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Watches ---

func TestHandler_CreateWatch_Success(t *testing.T) {
	store := newMockStore()
	body := `{
		"name": "hourly-sync",
		"cron_expression": "0 * * * *",
		"webhook_url": "https://example.com/webhook",
		"webhook_timeout_seconds": 10
	}`

	w := do(newTestHandler(store, &mockEmitter{}), http.MethodPost, "/watches", body)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp WatchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Name != "hourly-sync" || !resp.Enabled {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want UTC default", resp.Timezone)
	}
	if len(resp.NextRuns) != nextRunCount || resp.NextRuns[0] != "2024-03-01T10:00:00.000Z" {
		t.Errorf("NextRuns = %v", resp.NextRuns)
	}

	stored := store.watches["hourly-sync"]
	if stored.Webhook.Timeout != 10*time.Second {
		t.Errorf("stored timeout = %v, want 10s", stored.Webhook.Timeout)
	}
	if !stored.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", stored.CreatedAt, testNow)
	}
}

func TestHandler_CreateWatch_Errors(t *testing.T) {
	valid := `{"name":"a","cron_expression":"0 * * * *","webhook_url":"https://example.com"}`

	tests := []struct {
		name     string
		store    *mockHandlerStore
		body     string
		wantCode int
	}{
		{"invalid json", newMockStore(), "{invalid", http.StatusBadRequest},
		{"validation", newMockStore(), `{"cron_expression":"0 * * * *"}`, http.StatusBadRequest},
		{"duplicate", newMockStore(testWatch("a")), valid, http.StatusConflict},
		{"store error", &mockHandlerStore{createErr: errors.New("database error")}, valid, http.StatusInternalServerError},
		{"too large", newMockStore(), `{"name":"` + strings.Repeat("a", 1<<20) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newTestHandler(tt.store, &mockEmitter{}), http.MethodPost, "/watches", tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_ListWatches(t *testing.T) {
	store := newMockStore(testWatch("a"))

	w := do(newTestHandler(store, &mockEmitter{}), http.MethodGet, "/watches?limit=10", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ListWatchesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Watches) != 1 || resp.Watches[0].Name != "a" {
		t.Errorf("watches = %+v", resp.Watches)
	}
	if resp.Watches[0].NextRuns != nil {
		t.Error("list responses should not compute next runs")
	}
}

func TestHandler_ListWatches_BadPagination(t *testing.T) {
	w := do(newTestHandler(newMockStore(), &mockEmitter{}), http.MethodGet, "/watches?limit=5000", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_GetWatch(t *testing.T) {
	h := newTestHandler(newMockStore(testWatch("a")), &mockEmitter{})

	if w := do(h, http.MethodGet, "/watches/a", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(h, http.MethodGet, "/watches/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_DeleteWatch(t *testing.T) {
	store := newMockStore(testWatch("a"))
	h := newTestHandler(store, &mockEmitter{})

	if w := do(h, http.MethodDelete, "/watches/a", ""); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if _, ok := store.watches["a"]; ok {
		t.Error("watch should be deleted")
	}
	if w := do(h, http.MethodDelete, "/watches/a", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

// --- Execute ---

func TestHandler_ExecuteWatch(t *testing.T) {
	store := newMockStore(testWatch("a"))
	emitter := &mockEmitter{}

	w := do(newTestHandler(store, emitter), http.MethodPost, "/watches/a/_execute", "")

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Queued || resp.TriggerType != manual.Type {
		t.Errorf("resp = %+v", resp)
	}

	if len(store.put) != 1 || len(emitter.emitted) != 1 {
		t.Fatalf("put=%d emitted=%d, want 1 each", len(store.put), len(emitter.emitted))
	}
	tw := store.put[0]
	if !tw.Equal(emitter.emitted[0]) {
		t.Error("emitted record should be the stored record")
	}
	if tw.ID().WatchName() != "a" || tw.ID().String() != resp.ID {
		t.Errorf("id = %s, resp id = %s", tw.ID(), resp.ID)
	}
	if !tw.TriggerEvent().TriggeredTime().Equal(testNow) {
		t.Errorf("triggered time = %v, want %v", tw.TriggerEvent().TriggeredTime(), testNow)
	}
}

func TestHandler_ExecuteWatch_BusFullStillAccepted(t *testing.T) {
	store := newMockStore(testWatch("a"))
	emitter := &mockEmitter{err: channel.ErrBufferFull}

	w := do(newTestHandler(store, emitter), http.MethodPost, "/watches/a/_execute", "")

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var resp ExecuteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Queued {
		t.Error("Queued should be false when the bus refuses the record")
	}
	if len(store.put) != 1 {
		t.Error("record should still be stored for recovery")
	}
}

func TestHandler_ExecuteWatch_Errors(t *testing.T) {
	h := newTestHandler(newMockStore(), &mockEmitter{})
	if w := do(h, http.MethodPost, "/watches/missing/_execute", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing watch: expected 404, got %d", w.Code)
	}

	store := newMockStore(testWatch("a"))
	store.putErr = errors.New("disk full")
	emitter := &mockEmitter{}
	if w := do(newTestHandler(store, emitter), http.MethodPost, "/watches/a/_execute", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("put error: expected 500, got %d", w.Code)
	}
	if len(emitter.emitted) != 0 {
		t.Error("nothing should be emitted when the record was not stored")
	}
}

// --- Triggered watches ---

func TestHandler_ListTriggeredWatches(t *testing.T) {
	good := testutil.StoredRecord(t, testutil.ScheduledWatch("a", testNow), testNow)
	corrupt := record.Stored{ID: "b_1", Version: 3, Source: []byte(`{}`), CreatedAt: testNow}
	store := newMockStore()
	store.records = []record.Stored{good, corrupt}

	w := do(newTestHandler(store, &mockEmitter{}), http.MethodGet, "/triggered-watches", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ListTriggeredWatchesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || len(resp.TriggeredWatches) != 2 {
		t.Fatalf("resp = %+v", resp)
	}

	first := resp.TriggeredWatches[0]
	if first.TriggerType != "schedule" || first.DecodeError != "" {
		t.Errorf("first = %+v", first)
	}
	var doc map[string]any
	if err := json.Unmarshal(first.Record, &doc); err != nil {
		t.Fatalf("record is not the stored document: %v", err)
	}
	if _, ok := doc["trigger_event"]; !ok {
		t.Errorf("record missing trigger_event: %s", first.Record)
	}

	second := resp.TriggeredWatches[1]
	if second.DecodeError == "" || second.Record != nil {
		t.Errorf("corrupt record should carry a decode error only, got %+v", second)
	}
	if second.Version != 3 {
		t.Errorf("Version = %d, want 3", second.Version)
	}
}

// --- Health ---

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		db         HealthChecker
		wantCode   int
		wantStatus string
	}{
		{"simple", "/health", nil, http.StatusOK, "ok"},
		{"verbose healthy", "/health?verbose=true", &mockHealthChecker{}, http.StatusOK, "ok"},
		{"verbose degraded", "/health?verbose=true", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(newMockStore(), &mockEmitter{})
			if tt.db != nil {
				h.WithHealthChecker(tt.db)
			}

			w := do(h, http.MethodGet, tt.path, "")

			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
			var resp HealthResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestHandler_HealthVerboseDetails(t *testing.T) {
	store := newMockStore()
	store.records = []record.Stored{{ID: "a_1"}}
	h := newTestHandler(store, &mockEmitter{}).
		WithHealthChecker(&mockHealthChecker{}).
		WithBreakerStatus(staticBreaker{"https://down.example.com"}).
		WithLeaderStatus(staticLeader(true))

	w := do(h, http.MethodGet, "/health?verbose=true", "")

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Components["database"] != "healthy" {
		t.Errorf("database = %q", resp.Components["database"])
	}
	if resp.Pending == nil || *resp.Pending != 1 {
		t.Errorf("Pending = %v, want 1", resp.Pending)
	}
	if resp.Leader == nil || !*resp.Leader {
		t.Errorf("Leader = %v, want true", resp.Leader)
	}
	if len(resp.OpenCircuits) != 1 {
		t.Errorf("OpenCircuits = %v", resp.OpenCircuits)
	}
}

func TestHandler_NotFound(t *testing.T) {
	h := newTestHandler(newMockStore(), &mockEmitter{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/unknown"},
		{http.MethodPut, "/watches"},
		{http.MethodGet, "/watches/a/_execute"},
		{http.MethodPost, "/watches/a/b/c"},
	} {
		if w := do(h, tc.method, tc.path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}
