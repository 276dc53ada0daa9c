// Package analytics counts watch firings in Redis, bucketed by time window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/watchrecord/internal/domain"
)

const (
	DefaultWindow    = time.Minute
	DefaultRetention = 24 * time.Hour
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

// NewRedisSink counts into client. Zero window or retention fall back to the defaults.
func NewRedisSink(client *redis.Client, window, retention time.Duration) *RedisSink {
	if window <= 0 {
		window = DefaultWindow
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, window: window, retention: retention}
}

// Record is Write with errors logged instead of returned.
func (s *RedisSink) Record(ctx context.Context, w domain.TriggeredWatch) {
	if err := s.Write(ctx, w); err != nil {
		log.Printf("analytics: watch=%s id=%s: %v", w.ID().WatchName(), w.ID(), err)
	}
}

// Write increments the counter for the watch, trigger type and bucket of
// the trigger time.
func (s *RedisSink) Write(ctx context.Context, w domain.TriggeredWatch) error {
	event := w.TriggerEvent()
	if event == nil {
		return errors.New("triggered watch has no trigger event")
	}

	key := s.key(w.ID().WatchName(), event.Type(), event.TriggeredTime())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter for the bucket containing t. A missing key counts as zero.
func (s *RedisSink) Count(ctx context.Context, watchName, triggerType string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.key(watchName, triggerType, t)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisSink) key(watchName, triggerType string, t time.Time) string {
	return fmt.Sprintf("w:%s:t:%s:%s", watchName, triggerType, bucket(t, s.window))
}

// bucket formats the start of the window containing t.
func bucket(t time.Time, window time.Duration) string {
	t = t.UTC().Truncate(window)
	if window >= time.Hour && window%time.Hour == 0 {
		return t.Format("2006010215")
	}
	return t.Format("200601021504")
}
