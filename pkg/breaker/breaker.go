// Package breaker implements a small per-key circuit breaker used to
// track upstream-unavailable failures for observability. It never retries
// a call and never changes the error a caller receives; a tripped breaker
// only flips a model's reported health.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker is a single threshold/cooldown breaker for one key (e.g. one
// model name). It is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state       state
	failures    int
	openedAt    time.Time
	halfOpenUse bool
}

// New constructs a Breaker that trips after failureThreshold consecutive
// failures and allows one half-open trial call after cooldown.
func New(failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// Allow reports whether a call should be attempted right now. When the
// breaker is open and the cooldown has elapsed, it transitions to
// half-open and allows exactly one trial call through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case halfOpen:
		return false // a trial call is already in flight
	default: // open
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = halfOpen
		b.halfOpenUse = true
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = closed
	b.failures = 0
	b.halfOpenUse = false
}

// RecordFailure counts a failure, tripping the breaker once the threshold
// is reached (or immediately, if the failing call was the half-open
// trial).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == halfOpen {
		b.trip()
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = open
	b.openedAt = time.Now()
	b.halfOpenUse = false
}

// IsHealthy reports whether the breaker is currently closed.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == closed
}

// Registry holds one Breaker per key (model name), created on first use.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	cooldown         time.Duration
}

func NewRegistry(failureThreshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// For returns the Breaker for key, creating it on first access.
func (r *Registry) For(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.failureThreshold, r.cooldown)
		r.breakers[key] = b
	}
	return b
}
