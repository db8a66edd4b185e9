// Package kernel implements the runtime containment boundary that every
// outbound LLM or tool call passes through: chain-level limit checks,
// pipeline hook evaluation, graph accounting, and cost propagation.
package kernel

import "fmt"

// Decision is the closed set of outcomes a containment check can produce.
// Spellings are stable across versions — do not rename.
type Decision string

const (
	Allow     Decision = "ALLOW"
	Retry     Decision = "RETRY"
	Degrade   Decision = "DEGRADE"
	Queue     Decision = "QUEUE"
	Quarantine Decision = "QUARANTINE"
	Halt      Decision = "HALT"
)

// Terminal reports whether fn was suppressed (never dispatched, or its
// result discarded) for this decision. Only Allow permits the caller to use
// fn's result.
func (d Decision) Terminal() bool {
	return d != Allow
}

func (d Decision) String() string {
	return string(d)
}

// valid reports whether d is one of the six spelled-out values.
func (d Decision) valid() bool {
	switch d {
	case Allow, Retry, Degrade, Queue, Quarantine, Halt:
		return true
	default:
		return false
	}
}

// ContractViolation is raised at the call site when a caller breaks a
// construction-time or API-level invariant (second root creation, unknown
// parent_id, non-positive ceiling, and similar programmer errors). It is
// never used for ordinary policy denials — those are returned as Halt.
type ContractViolation struct {
	Component string
	Message   string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Component, e.Message)
}

// NewContractViolation constructs a ContractViolation for component.
func NewContractViolation(component, format string, args ...interface{}) *ContractViolation {
	return &ContractViolation{Component: component, Message: fmt.Sprintf(format, args...)}
}
