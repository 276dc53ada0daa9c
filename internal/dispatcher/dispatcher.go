package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/watchrecord/internal/document"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/metrics"
	"github.com/djlord-it/watchrecord/internal/record"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

const maxAttempts = 4

// DrainTimeout is the default time allowed for buffered records during shutdown.
const DrainTimeout = 30 * time.Second

var (
	// ErrAlreadyInFlight is returned when the same execution is already being
	// delivered by another worker.
	ErrAlreadyInFlight = errors.New("triggered watch already in flight")
	ErrNoWebhookURL    = errors.New("watch has no webhook url")
)

type Store interface {
	GetWatch(ctx context.Context, name string) (domain.Watch, error)
	DeleteTriggeredWatch(ctx context.Context, id domain.ExecutionID) error
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, w domain.TriggeredWatch)
}

type CircuitBreaker interface {
	Allow(url string) error
	RecordSuccess(url string)
	RecordFailure(url string)
}

// MetricsSink defines the dispatcher metrics. Methods must not block.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
	TriggerLatencyObserve(latency time.Duration)
}

type WebhookRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   WebhookPayload
	AttemptID string
}

// WebhookPayload is the delivery body. Record is the stored document of the
// triggered watch, so a receiver can decode it with the same codec.
type WebhookPayload struct {
	WatchName   string          `json:"watch_name"`
	ExecutionID string          `json:"execution_id"`
	TriggerType string          `json:"trigger_type"`
	TriggeredAt string          `json:"triggered_at"`
	Attempt     int             `json:"attempt"`
	Record      json.RawMessage `json:"record"`
}

type WebhookResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

// Dispatcher delivers triggered watches to their webhooks and removes the
// stored record once delivery reaches a final outcome.
type Dispatcher struct {
	store        Store
	sender       WebhookSender
	analytics    AnalyticsSink  // optional
	metrics      MetricsSink    // optional
	breaker      CircuitBreaker // optional
	backoff      []time.Duration
	workers      int
	drainTimeout time.Duration
	clock        func() time.Time

	mu       sync.Mutex
	inFlight map[domain.ExecutionID]struct{}
}

func New(store Store, sender WebhookSender) *Dispatcher {
	return &Dispatcher{
		store:        store,
		sender:       sender,
		backoff:      defaultBackoff,
		workers:      1,
		drainTimeout: DrainTimeout,
		clock:        time.Now,
		inFlight:     make(map[domain.ExecutionID]struct{}),
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithCircuitBreaker(cb CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithWorkers sets the number of concurrent deliveries. Values below 1 are ignored.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	d.drainTimeout = timeout
	return d
}

// WithBackoff replaces the wait before each attempt; index 0 is the first attempt.
func (d *Dispatcher) WithBackoff(backoff []time.Duration) *Dispatcher {
	if len(backoff) > 0 {
		d.backoff = backoff
	}
	return d
}

// Run consumes ch with the configured workers until ctx is cancelled, then
// drains what is still buffered.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.TriggeredWatch) {
	log.Printf("dispatcher: started, workers=%d", d.workers)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()

	d.drain(ch)
	log.Println("dispatcher: stopped")
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.TriggeredWatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, w)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, w domain.TriggeredWatch) {
	err := d.Dispatch(ctx, w)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyInFlight):
		log.Printf("dispatcher: id=%s already in flight, skipped", w.ID())
	default:
		log.Printf("dispatcher: id=%s error: %v", w.ID(), err)
	}
}

// drain delivers records still buffered after shutdown. Uses a fresh context
// since the run context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.TriggeredWatch) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			log.Printf("dispatcher: drain timeout, processed %d records", count)
			return
		case w, ok := <-ch:
			if !ok {
				log.Printf("dispatcher: drain complete, processed %d records", count)
				return
			}
			d.handle(drainCtx, w)
			count++
		default:
			if count > 0 {
				log.Printf("dispatcher: drain complete, processed %d records", count)
			}
			return
		}
	}
}

func (d *Dispatcher) claim(id domain.ExecutionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id domain.ExecutionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// InFlight returns the number of executions currently being delivered.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Dispatch delivers one triggered watch. The stored record is deleted once the
// outcome is final (delivered, rejected, or the watch is gone). It is kept
// when the circuit is open or ctx ends first, so recovery retries it.
func (d *Dispatcher) Dispatch(ctx context.Context, w domain.TriggeredWatch) error {
	if !d.claim(w.Key()) {
		return ErrAlreadyInFlight
	}
	defer d.release(w.Key())

	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
		if event := w.TriggerEvent(); event != nil {
			d.metrics.TriggerLatencyObserve(d.clock().Sub(event.TriggeredTime()))
		}
	}

	name := w.ID().WatchName()
	watch, err := d.store.GetWatch(ctx, name)
	if errors.Is(err, domain.ErrWatchNotFound) {
		log.Printf("dispatcher: watch=%s id=%s watch no longer exists, dropping", name, w.ID())
		d.outcome(metrics.OutcomeDropped)
		return d.complete(ctx, w)
	}
	if err != nil {
		return fmt.Errorf("get watch %s: %w", name, err)
	}

	// Counts firings, not successful deliveries.
	if d.analytics != nil {
		d.analytics.Record(ctx, w)
	}

	if watch.Webhook.URL == "" {
		d.outcome(metrics.OutcomeFailed)
		if err := d.complete(ctx, w); err != nil {
			return err
		}
		return fmt.Errorf("watch %s: %w", name, ErrNoWebhookURL)
	}

	payload, err := buildPayload(w)
	if err != nil {
		d.outcome(metrics.OutcomeFailed)
		if cerr := d.complete(ctx, w); cerr != nil {
			return cerr
		}
		return err
	}

	req := WebhookRequest{
		URL:     watch.Webhook.URL,
		Secret:  watch.Webhook.Secret,
		Timeout: watch.Webhook.Timeout,
		Payload: payload,
	}

	var lastResult WebhookResult
	attempts := maxAttempts
	if len(d.backoff) < attempts {
		attempts = len(d.backoff)
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}
			backoff := d.backoff[attempt-1]
			log.Printf("dispatcher: watch=%s attempt=%d backoff=%s", name, attempt, backoff)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
		}

		if d.breaker != nil {
			if err := d.breaker.Allow(req.URL); err != nil {
				log.Printf("dispatcher: watch=%s id=%s circuit open, left for recovery", name, w.ID())
				d.outcome(metrics.OutcomeCircuitOpen)
				return fmt.Errorf("watch %s: %w", name, err)
			}
		}

		req.AttemptID = uuid.NewString()
		req.Payload.Attempt = attempt

		result := d.sender.Send(ctx, req)
		lastResult = result

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if result.IsSuccess() {
			if d.breaker != nil {
				d.breaker.RecordSuccess(req.URL)
			}
			log.Printf("dispatcher: watch=%s id=%s delivered attempt=%d", name, w.ID(), attempt)
			d.outcome(metrics.OutcomeSuccess)
			return d.complete(ctx, w)
		}

		if d.breaker != nil {
			d.breaker.RecordFailure(req.URL)
		}

		if !result.IsRetryable() {
			log.Printf("dispatcher: watch=%s non-retryable status=%d", name, result.StatusCode)
			break
		}

		log.Printf("dispatcher: watch=%s attempt=%d failed status=%d err=%v", name, attempt, result.StatusCode, result.Error)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	log.Printf("dispatcher: watch=%s id=%s failed status=%d err=%v", name, w.ID(), lastResult.StatusCode, lastResult.Error)
	d.outcome(metrics.OutcomeFailed)
	return d.complete(ctx, w)
}

func (d *Dispatcher) complete(ctx context.Context, w domain.TriggeredWatch) error {
	if err := d.store.DeleteTriggeredWatch(ctx, w.ID()); err != nil {
		return fmt.Errorf("delete triggered watch %s: %w", w.ID(), err)
	}
	return nil
}

func (d *Dispatcher) outcome(outcome string) {
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(outcome)
	}
}

func buildPayload(w domain.TriggeredWatch) (WebhookPayload, error) {
	event := w.TriggerEvent()
	if event == nil {
		return WebhookPayload{}, fmt.Errorf("watch record [%s]: %w", w.ID(), record.ErrMissingTriggerEvent)
	}

	source, err := record.Encode(w, document.EmptyParams)
	if err != nil {
		return WebhookPayload{}, err
	}

	return WebhookPayload{
		WatchName:   w.ID().WatchName(),
		ExecutionID: w.ID().String(),
		TriggerType: event.Type(),
		TriggeredAt: event.TriggeredTime().UTC().Format(document.DateLayout),
		Record:      source,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
