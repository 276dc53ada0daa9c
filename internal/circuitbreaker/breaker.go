// Package circuitbreaker stops webhook deliveries to endpoints that keep failing.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type endpoint struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive failures per URL. After threshold failures
// the URL is rejected for cooldown, then a single probe is let through.
type CircuitBreaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow returns ErrCircuitOpen while url is open, or while its half-open
// probe is outstanding.
func (cb *CircuitBreaker) Allow(url string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[url]
	if !ok {
		return nil
	}

	switch e.state {
	case StateOpen:
		if cb.now().Sub(e.openedAt) >= cb.cooldown {
			e.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.endpoints, url)
}

func (cb *CircuitBreaker) RecordFailure(url string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.endpoints[url]
	if !ok {
		e = &endpoint{}
		cb.endpoints[url] = e
	}

	e.consecutiveFailures++
	if e.state == StateHalfOpen || e.consecutiveFailures >= cb.threshold {
		e.state = StateOpen
		e.openedAt = cb.now()
	}
}

// State reports the current state of url without changing it.
func (cb *CircuitBreaker) State(url string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if e, ok := cb.endpoints[url]; ok {
		return e.state
	}
	return StateClosed
}

// OpenEndpoints lists URLs that are currently not closed, sorted.
func (cb *CircuitBreaker) OpenEndpoints() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var urls []string
	for url, e := range cb.endpoints {
		if e.state != StateClosed {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}
