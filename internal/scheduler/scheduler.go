package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/watchrecord/internal/cron"
	"github.com/djlord-it/watchrecord/internal/domain"
	"github.com/djlord-it/watchrecord/internal/trigger/schedule"
)

// maxDuePerTick caps the fire times one watch may produce in a single tick.
const maxDuePerTick = 1000

type Store interface {
	GetEnabledWatches(ctx context.Context) ([]domain.Watch, error)
	PutTriggeredWatch(ctx context.Context, w domain.TriggeredWatch) error
}

type CronParser interface {
	Parse(expression string, timezone string) (cron.Schedule, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, w domain.TriggeredWatch) error
}

// MetricsSink defines the scheduler metrics. Methods must not block.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, watchesTriggered int, err error)
	TickDrift(drift time.Duration)
}

type Config struct {
	TickInterval time.Duration
}

// Scheduler fires triggered watches for every enabled watch whose cron
// schedule came due since the previous tick.
type Scheduler struct {
	config   Config
	store    Store
	parser   CronParser
	emitter  EventEmitter
	metrics  MetricsSink
	clock    func() time.Time
	lastTick time.Time
}

func New(config Config, store Store, parser CronParser, emitter EventEmitter) *Scheduler {
	return &Scheduler{
		config:  config,
		store:   store,
		parser:  parser,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, tick=%s", s.config.TickInterval)
	s.lastTick = s.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				log.Printf("scheduler: tick error: %v", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	start := s.clock().UTC()
	if s.metrics != nil {
		s.metrics.TickStarted()
		if !s.lastTick.IsZero() {
			s.metrics.TickDrift(start.Sub(s.lastTick) - s.config.TickInterval)
		}
	}

	triggered, err := s.processTick(ctx, start)

	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock().Sub(start), triggered, err)
	}
	return err
}

func (s *Scheduler) processTick(ctx context.Context, now time.Time) (int, error) {
	watches, err := s.store.GetEnabledWatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("get watches: %w", err)
	}

	triggered := 0
	for _, w := range watches {
		n, err := s.processWatch(ctx, w, s.lastTick, now)
		if err != nil {
			log.Printf("scheduler: watch=%s error: %v", w.Name, err)
		}
		triggered += n
	}

	s.lastTick = now
	return triggered, nil
}

// processWatch fires w once for every due time in (lastTick, now].
func (s *Scheduler) processWatch(ctx context.Context, w domain.Watch, lastTick, now time.Time) (int, error) {
	sched, err := s.parser.Parse(w.CronExpression, w.Timezone)
	if err != nil {
		return 0, err
	}

	triggered := 0
	due := sched.Next(lastTick)
	for i := 0; i < maxDuePerTick && !due.IsZero() && !due.After(now); i++ {
		if err := s.fire(ctx, w, due.UTC(), now); err != nil {
			log.Printf("scheduler: watch=%s at %s error: %v", w.Name, due.UTC().Format(time.RFC3339), err)
		} else {
			triggered++
		}
		due = sched.Next(due)
	}
	return triggered, nil
}

// fire persists the triggered record before handing it to the bus. A record
// the bus rejects stays stored and is re-emitted by recovery.
func (s *Scheduler) fire(ctx context.Context, w domain.Watch, scheduledAt, now time.Time) error {
	id := domain.NewExecutionID(w.Name, scheduledAt)
	tw := domain.NewTriggeredWatch(id, schedule.NewEvent(scheduledAt, now))

	if err := s.store.PutTriggeredWatch(ctx, tw); err != nil {
		return fmt.Errorf("put triggered watch: %w", err)
	}

	if err := s.emitter.Emit(ctx, tw); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Printf("scheduler: watch=%s id=%s left for recovery: %v", w.Name, id, err)
		return nil
	}

	log.Printf("scheduler: triggered watch=%s id=%s scheduled_at=%s", w.Name, id, scheduledAt.Format(time.RFC3339))
	return nil
}
