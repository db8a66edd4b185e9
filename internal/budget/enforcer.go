// Package budget implements the cumulative, rolling-window, and
// token-based ceilings that guard a chain's spend: BudgetEnforcer,
// BudgetWindow, TokenBudget, and the pluggable BudgetBackend accumulator
// they charge against.
package budget

import "sync"

// ChargeResult is returned by TryCharge.
type ChargeResult struct {
	Allowed        bool
	WouldExceedPct float64 // (used+amount)/limit, informational even when allowed
}

// Enforcer is a cumulative USD ceiling. Once halted, it never un-halts on
// its own — only an explicit Reset (operator action) clears it. State
// transitions are applied before any event is emitted by the caller, so a
// failing event sink can never roll back the enforcement decision.
type Enforcer struct {
	mu      sync.Mutex
	limit   float64
	used    float64
	halted  bool
}

// NewEnforcer creates an Enforcer with the given USD limit. limit must be
// positive; callers are expected to have validated this at config load
// time (a non-positive ceiling is a programmer contract violation, not an
// Enforcer concern).
func NewEnforcer(limit float64) *Enforcer {
	return &Enforcer{limit: limit}
}

// TryCharge is the preferred entry point (§4.4): it transitions the
// enforcer to halted, if the charge would exceed the limit, before
// returning — the caller emits BUDGET_EXCEEDED only after observing
// Allowed=false, so the transition always precedes the event.
func (e *Enforcer) TryCharge(amount float64) ChargeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return ChargeResult{Allowed: false, WouldExceedPct: e.pctLocked(amount)}
	}

	if e.used+amount > e.limit {
		e.halted = true
		return ChargeResult{Allowed: false, WouldExceedPct: e.pctLocked(amount)}
	}

	e.used += amount
	return ChargeResult{Allowed: true, WouldExceedPct: e.pctLocked(0)}
}

// CheckBudget is the legacy variant: it emits first (conceptually — the
// caller is responsible for ordering around this call) and transitions
// second. Retained only for backward compatibility; new call sites must
// use TryCharge.
func (e *Enforcer) CheckBudget(amount float64) ChargeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	pct := e.pctLocked(amount)
	allowed := !e.halted && e.used+amount <= e.limit
	if !allowed {
		e.halted = true
	} else {
		e.used += amount
	}
	return ChargeResult{Allowed: allowed, WouldExceedPct: pct}
}

func (e *Enforcer) pctLocked(amount float64) float64 {
	if e.limit <= 0 {
		return 0
	}
	return (e.used + amount) / e.limit
}

// Used returns the current accumulated spend.
func (e *Enforcer) Used() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// Halted reports whether this enforcer has already denied a charge.
func (e *Enforcer) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Reset clears the halted flag and zeroes used spend. Operator action only.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.used = 0
}
