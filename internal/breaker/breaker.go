// Package breaker implements the three-state per-entity CircuitBreaker
// that isolates a chain from a persistently failing dependency without
// penalizing unrelated entities in the same chain.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// CheckResult is returned by Check.
type CheckResult struct {
	Allowed bool
	Reason  string
}

// entity holds the per-entity breaker state.
type entity struct {
	mu                sync.Mutex
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenProbeUsed bool
}

// Breaker keys circuit state by an entity identifier so that one failing
// dependency does not open the circuit for unrelated dependencies in the
// same chain.
type Breaker struct {
	mu               sync.Mutex
	entities         map[string]*entity
	failureThreshold int
	recoveryTimeout  time.Duration
}

// New creates a Breaker. failureThreshold <= 0 defaults to 5;
// recoveryTimeout <= 0 defaults to 60s.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		entities:         make(map[string]*entity),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

func (b *Breaker) entityFor(id string) *entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[id]
	if !ok {
		e = &entity{state: Closed}
		b.entities[id] = e
	}
	return e
}

// Check evaluates whether a call against entityID may proceed as of now.
// OPEN -> HALF_OPEN happens here, lazily, once recoveryTimeout has
// elapsed since opening.
func (b *Breaker) Check(entityID string, now time.Time) CheckResult {
	e := b.entityFor(entityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return CheckResult{Allowed: true}
	case Open:
		if now.Sub(e.openedAt) >= b.recoveryTimeout {
			e.state = HalfOpen
			e.halfOpenProbeUsed = true // this check is the single probe
			return CheckResult{Allowed: true}
		}
		return CheckResult{Allowed: false, Reason: "circuit_open"}
	case HalfOpen:
		if e.halfOpenProbeUsed {
			return CheckResult{Allowed: false, Reason: "circuit_open"}
		}
		e.halfOpenProbeUsed = true
		return CheckResult{Allowed: true}
	default:
		return CheckResult{Allowed: false, Reason: "circuit_open"}
	}
}

// RecordSuccess reports a successful call against entityID. In HALF_OPEN,
// the probe succeeding closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess(entityID string) {
	e := b.entityFor(entityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFails = 0
	if e.state == HalfOpen {
		e.state = Closed
	}
}

// RecordFailure reports a failed call against entityID, with now used to
// stamp opened_at on transition to OPEN.
func (b *Breaker) RecordFailure(entityID string, now time.Time) {
	e := b.entityFor(entityID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case HalfOpen:
		e.state = Open
		e.openedAt = now
		e.consecutiveFails = b.failureThreshold
	case Closed:
		e.consecutiveFails++
		if e.consecutiveFails >= b.failureThreshold {
			e.state = Open
			e.openedAt = now
		}
	case Open:
		// Already open; extend nothing — recovery still measured from the
		// original openedAt.
	}
}

// StateOf returns the current state for entityID (Closed if never seen).
func (b *Breaker) StateOf(entityID string) State {
	e := b.entityFor(entityID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
