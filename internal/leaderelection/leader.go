// Package leaderelection elects one instance to run the scheduler and the
// reconciler.
//
// Leadership is a session-scoped Postgres advisory lock held on a dedicated
// connection. There is no renewal or TTL: if the connection dies, Postgres
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a held lock.
type Session interface {
	Ping(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker makes one non-blocking attempt to take the lock. A nil session
// with a nil error means another instance holds it.
type Locker interface {
	TryAcquire(ctx context.Context) (Session, error)
}

// MetricsSink defines the leader election metrics. Methods must not block.
type MetricsSink interface {
	LeaderStatusSet(isLeader bool)
}

// Duty is work that runs only while this instance leads. Its context is
// cancelled on demotion and the elector waits for it to return before
// releasing the lock.
type Duty func(ctx context.Context)

// Elector manages leader election.
type Elector struct {
	locker            Locker
	retryInterval     time.Duration // follower: how often to attempt acquisition
	heartbeatInterval time.Duration // leader: how often to ping the session
	duties            []Duty
	metrics           MetricsSink
	leader            atomic.Bool
}

func New(locker Locker, retryInterval, heartbeatInterval time.Duration, duties ...Duty) *Elector {
	return &Elector{
		locker:            locker,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duties:            duties,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the election loop. It blocks until ctx is cancelled and all
// duties have stopped.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (retry=%s, heartbeat=%s)", e.retryInterval, e.heartbeatInterval)
	defer log.Println("leader: election loop stopped")

	for {
		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it. Returns the reason
// leadership was lost, or "" if the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.locker.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: lock attempt failed: %v", err)
		}
		return ""
	}
	if session == nil {
		return ""
	}

	log.Println("leader: acquired lock")
	e.setLeader(true)

	leaderCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, duty := range e.duties {
		wg.Add(1)
		go func(d Duty) {
			defer wg.Done()
			d(leaderCtx)
		}(duty)
	}

	reason := e.hold(ctx, session)

	cancel()
	wg.Wait()
	e.setLeader(false)

	if err := session.Release(context.WithoutCancel(ctx)); err != nil {
		log.Printf("leader: release failed: %v", err)
	} else {
		log.Println("leader: released lock")
	}
	return reason
}

// hold pings the session until ctx is cancelled or the ping fails.
func (e *Elector) hold(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: session ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}

func (e *Elector) setLeader(v bool) {
	e.leader.Store(v)
	if e.metrics != nil {
		e.metrics.LeaderStatusSet(v)
	}
}
