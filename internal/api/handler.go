package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/djlord-it/watchrecord/internal/cron"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/trigger/manual"
	"github.com/djlord-it/watchrecord/internal/trigger/schedule"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// nextRunCount is how many upcoming fire times a single-watch response lists.
const nextRunCount = 5

type Store interface {
	CreateWatch(ctx context.Context, w domain.Watch) error
	ListWatches(ctx context.Context, limit, offset int) ([]domain.Watch, error)
	GetWatch(ctx context.Context, name string) (domain.Watch, error)
	DeleteWatch(ctx context.Context, name string) error
	PutTriggeredWatch(ctx context.Context, w domain.TriggeredWatch) error
	ListPendingTriggeredWatches(ctx context.Context, limit, offset int) ([]record.Stored, error)
	CountTriggeredWatches(ctx context.Context) (int, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, w domain.TriggeredWatch) error
}

type Decoder interface {
	Decode(id string, version int64, source []byte) (domain.TriggeredWatch, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// BreakerStatus reports endpoints whose circuit is open.
type BreakerStatus interface {
	OpenEndpoints() []string
}

// LeaderStatus reports whether this instance runs the scheduler.
type LeaderStatus interface {
	IsLeader() bool
}

type Handler struct {
	store   Store
	emitter EventEmitter
	decoder Decoder
	parser  CronParser
	clock   func() time.Time

	db      HealthChecker
	breaker BreakerStatus
	leader  LeaderStatus
}

func NewHandler(store Store, emitter EventEmitter, decoder Decoder, parser CronParser) *Handler {
	return &Handler{
		store:   store,
		emitter: emitter,
		decoder: decoder,
		parser:  parser,
		clock:   time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithBreakerStatus(b BreakerStatus) *Handler {
	h.breaker = b
	return h
}

func (h *Handler) WithLeaderStatus(l LeaderStatus) *Handler {
	h.leader = l
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		h.health(w, r)

	case len(parts) == 1 && parts[0] == "watches" && r.Method == http.MethodPost:
		h.createWatch(w, r)

	case len(parts) == 1 && parts[0] == "watches" && r.Method == http.MethodGet:
		h.listWatches(w, r)

	case len(parts) == 2 && parts[0] == "watches" && r.Method == http.MethodGet:
		h.getWatch(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "watches" && r.Method == http.MethodDelete:
		h.deleteWatch(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "watches" && parts[2] == "_execute" && r.Method == http.MethodPost:
		h.executeWatch(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "triggered-watches" && r.Method == http.MethodGet:
		h.listTriggeredWatches(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status       string            `json:"status"`
	Components   map[string]string `json:"components,omitempty"`
	Leader       *bool             `json:"leader,omitempty"`
	Pending      *int              `json:"pending_triggered_watches,omitempty"`
	OpenCircuits []string          `json:"open_circuits,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "true" || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
		if n, err := h.store.CountTriggeredWatches(ctx); err == nil {
			resp.Pending = &n
		}
	}

	if h.leader != nil {
		isLeader := h.leader.IsLeader()
		resp.Leader = &isLeader
	}
	if h.breaker != nil {
		resp.OpenCircuits = h.breaker.OpenEndpoints()
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createWatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateWatch(req, h.parser); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := 30 * time.Second
	if req.WebhookTimeout > 0 {
		timeout = time.Duration(req.WebhookTimeout) * time.Second
	}
	tz := req.Timezone
	if tz == "" {
		tz = cron.DefaultTimezone
	}

	now := h.clock().UTC()
	watch := domain.Watch{
		Name:           req.Name,
		Enabled:        !req.Disabled,
		CronExpression: req.CronExpression,
		Timezone:       tz,
		Webhook: domain.Webhook{
			URL:     req.WebhookURL,
			Secret:  req.WebhookSecret,
			Timeout: timeout,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateWatch(r.Context(), watch); err != nil {
		if errors.Is(err, domain.ErrDuplicateWatch) {
			writeError(w, http.StatusConflict, "watch already exists")
			return
		}
		log.Printf("api: create watch error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create watch")
		return
	}

	writeJSON(w, http.StatusCreated, h.watchResponse(watch, true))
}

func (h *Handler) listWatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	watches, err := h.store.ListWatches(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list watches error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list watches")
		return
	}

	resp := ListWatchesResponse{Watches: make([]WatchResponse, len(watches))}
	for i, watch := range watches {
		resp.Watches[i] = h.watchResponse(watch, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getWatch(w http.ResponseWriter, r *http.Request, name string) {
	watch, ok := h.lookupWatch(w, r, name)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.watchResponse(watch, true))
}

func (h *Handler) deleteWatch(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.store.DeleteWatch(r.Context(), name); err != nil {
		if errors.Is(err, domain.ErrWatchNotFound) {
			writeError(w, http.StatusNotFound, "watch not found")
			return
		}
		log.Printf("api: delete watch error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// executeWatch fires a watch outside its schedule. The record is stored
// before it is emitted, the same as a scheduled firing.
func (h *Handler) executeWatch(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := h.lookupWatch(w, r, name); !ok {
		return
	}

	now := h.clock().UTC()
	tw := domain.NewTriggeredWatch(
		domain.NewExecutionID(name, now),
		manual.NewEvent(schedule.NewEvent(now, now)),
	)

	if err := h.store.PutTriggeredWatch(r.Context(), tw); err != nil {
		log.Printf("api: put triggered watch error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store triggered watch")
		return
	}

	queued := true
	if err := h.emitter.Emit(r.Context(), tw); err != nil {
		log.Printf("api: watch=%s id=%s left for recovery: %v", name, tw.ID(), err)
		queued = false
	}

	writeJSON(w, http.StatusAccepted, ExecuteResponse{
		ID:          tw.ID().String(),
		WatchName:   name,
		TriggerType: tw.TriggerEvent().Type(),
		Queued:      queued,
	})
}

func (h *Handler) listTriggeredWatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.store.ListPendingTriggeredWatches(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list triggered watches error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list triggered watches")
		return
	}
	total, err := h.store.CountTriggeredWatches(r.Context())
	if err != nil {
		log.Printf("api: count triggered watches error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list triggered watches")
		return
	}

	resp := ListTriggeredWatchesResponse{
		Total:            total,
		TriggeredWatches: make([]TriggeredWatchResponse, len(rows)),
	}
	for i, row := range rows {
		item := TriggeredWatchResponse{
			ID:        row.ID,
			Version:   row.Version,
			CreatedAt: formatTime(row.CreatedAt),
		}
		tw, err := h.decoder.Decode(row.ID, row.Version, row.Source)
		if err != nil {
			item.DecodeError = err.Error()
		} else {
			item.TriggerType = tw.TriggerEvent().Type()
			item.Record = json.RawMessage(row.Source)
		}
		resp.TriggeredWatches[i] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookupWatch writes the error response itself when ok is false.
func (h *Handler) lookupWatch(w http.ResponseWriter, r *http.Request, name string) (domain.Watch, bool) {
	watch, err := h.store.GetWatch(r.Context(), name)
	if err == nil {
		return watch, true
	}
	if errors.Is(err, domain.ErrWatchNotFound) {
		writeError(w, http.StatusNotFound, "watch not found")
	} else {
		log.Printf("api: get watch error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get watch")
	}
	return domain.Watch{}, false
}

func (h *Handler) watchResponse(watch domain.Watch, withNextRuns bool) WatchResponse {
	resp := WatchResponse{
		Name:           watch.Name,
		Enabled:        watch.Enabled,
		CronExpression: watch.CronExpression,
		Timezone:       watch.Timezone,
		WebhookURL:     watch.Webhook.URL,
		CreatedAt:      formatTime(watch.CreatedAt),
	}
	if !withNextRuns || !watch.Enabled {
		return resp
	}
	sched, err := h.parser.Parse(watch.CronExpression, watch.Timezone)
	if err != nil {
		return resp
	}
	for _, t := range cron.Upcoming(sched, h.clock(), nextRunCount) {
		resp.NextRuns = append(resp.NextRuns, formatTime(t))
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
