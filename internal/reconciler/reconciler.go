// Package reconciler recovers triggered watches that were stored but never
// delivered.
//
// A record stays in the store until the dispatcher reaches a final outcome,
// so anything older than the threshold was lost in transit (buffer overflow,
// open circuit, crash). The reconciler decodes those records through the
// record codec and re-emits them. The dispatcher's in-flight check keeps a
// re-emitted record from being delivered twice at once. Records that fail to
// decode are quarantined in the store so they drop out of later passes.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/metrics"
	"github.com/djlord-it/watchrecord/internal/record"
	"github.com/djlord-it/watchrecord/internal/trigger"
)

type Store interface {
	ListTriggeredWatches(ctx context.Context, olderThan time.Time, limit int) ([]record.Stored, error)
	QuarantineTriggeredWatch(ctx context.Context, id, reason string) error
	CountTriggeredWatches(ctx context.Context) (int, error)
}

type Decoder interface {
	Decode(id string, version int64, source []byte) (domain.TriggeredWatch, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, w domain.TriggeredWatch) error
}

// MetricsSink defines the recovery metrics. Methods must not block.
type MetricsSink interface {
	RecordDecoded(triggerType string)
	RecordDecodeFailed(reason string)
	RecoveryCycleCompleted(duration time.Duration, recovered int, err error)
	PendingRecordsUpdate(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	Interval time.Duration

	// Threshold is the age after which a stored record is considered lost.
	Threshold time.Duration

	// BatchSize is the maximum number of records read per cycle.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Result summarises one cycle. Quarantined counts the corrupt records the
// store took out of recovery.
type Result struct {
	Listed      int
	Recovered   int
	Corrupt     int
	Quarantined int
	Duplicates  int
	EmitFailed  int
}

type Reconciler struct {
	config  Config
	store   Store
	decoder Decoder
	emitter EventEmitter
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a reconciler. Zero fields in config take their DefaultConfig
// values.
func New(config Config, store Store, decoder Decoder, emitter EventEmitter) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	return &Reconciler{
		config:  config,
		store:   store,
		decoder: decoder,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run recovers once immediately, then on every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	start := r.clock()
	res, err := r.RunOnce(ctx)
	if err != nil {
		log.Printf("reconciler: %v", err)
	} else if res.Listed > 0 {
		log.Printf("reconciler: cycle complete, listed=%d recovered=%d corrupt=%d quarantined=%d duplicates=%d emit_failed=%d",
			res.Listed, res.Recovered, res.Corrupt, res.Quarantined, res.Duplicates, res.EmitFailed)
	}

	if r.metrics != nil {
		r.metrics.RecoveryCycleCompleted(r.clock().Sub(start), res.Recovered, err)
		if n, err := r.store.CountTriggeredWatches(ctx); err == nil {
			r.metrics.PendingRecordsUpdate(n)
		}
	}
}

// RunOnce performs a single recovery pass. A record that fails to decode is
// logged, counted and skipped; it never aborts the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	olderThan := r.clock().UTC().Add(-r.config.Threshold)
	stored, err := r.store.ListTriggeredWatches(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list triggered watches: %w", err)
	}
	res.Listed = len(stored)

	seen := make(map[domain.ExecutionID]struct{}, len(stored))

	for _, s := range stored {
		if err := ctx.Err(); err != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d records",
				res.Recovered+res.Corrupt+res.Duplicates+res.EmitFailed, res.Listed)
			return res, err
		}

		w, err := r.decoder.Decode(s.ID, s.Version, s.Source)
		if err != nil {
			reason := FailureReason(err)
			log.Printf("reconciler: skipping record id=%s reason=%s: %v", s.ID, reason, err)
			if r.metrics != nil {
				r.metrics.RecordDecodeFailed(reason)
			}
			res.Corrupt++

			// Decoding is deterministic, so a corrupt record would fail again
			// and hold its slot in every later batch.
			if err := r.store.QuarantineTriggeredWatch(ctx, s.ID, reason); err != nil {
				log.Printf("reconciler: failed to quarantine id=%s: %v", s.ID, err)
				continue
			}
			res.Quarantined++
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordDecoded(w.TriggerEvent().Type())
		}

		if _, dup := seen[w.Key()]; dup {
			res.Duplicates++
			continue
		}
		seen[w.Key()] = struct{}{}

		if err := r.emitter.Emit(ctx, w); err != nil {
			log.Printf("reconciler: failed to re-emit id=%s: %v", w.ID(), err)
			res.EmitFailed++
			continue
		}

		log.Printf("reconciler: re-emitted watch=%s id=%s (age=%s)",
			w.ID().WatchName(), w.ID(), r.clock().Sub(s.CreatedAt).Round(time.Second))
		res.Recovered++
	}

	return res, nil
}

// FailureReason maps a decode error to a bounded metrics label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, record.ErrMissingTriggerEvent):
		return metrics.ReasonMissingTriggerEvent
	case errors.Is(err, record.ErrNotAnObject):
		return metrics.ReasonNotAnObject
	case errors.Is(err, trigger.ErrUnknownTriggerType):
		return metrics.ReasonUnknownTriggerType
	case errors.Is(err, domain.ErrInvalidExecutionID), errors.Is(err, record.ErrMissingID):
		return metrics.ReasonInvalidID
	default:
		return metrics.ReasonMalformed
	}
}
