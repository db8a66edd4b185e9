package budget

import (
	"sync"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

// WindowZone is the three-way utilization classification a Window
// evaluates a call against.
type WindowZone string

const (
	ZoneAllow   WindowZone = "allow"
	ZoneDegrade WindowZone = "degrade"
	ZoneHalt    WindowZone = "halt"
)

// WindowResult is returned by Window.Check.
type WindowResult struct {
	Zone           WindowZone
	Decision       kernel.Decision
	SuggestedModel string // only meaningful when Zone == ZoneDegrade
}

// Window is a sliding window of max_calls per window_seconds (§4.4). Below
// degrade_threshold utilization the call is allowed and counted; between
// threshold and 100% it is degraded (still counted, caller may downgrade
// model); at or above 100% it is halted and not counted.
type Window struct {
	mu sync.Mutex

	maxCalls         int
	windowDuration   time.Duration
	degradeThreshold float64 // fraction, e.g. 0.8
	suggestedModel   string

	calls []time.Time
}

// NewWindow creates a Window. degradeThreshold is a fraction in (0, 1].
func NewWindow(maxCalls int, windowSeconds int, degradeThreshold float64, suggestedModel string) *Window {
	return &Window{
		maxCalls:         maxCalls,
		windowDuration:   time.Duration(windowSeconds) * time.Second,
		degradeThreshold: degradeThreshold,
		suggestedModel:   suggestedModel,
	}
}

// Check evaluates one prospective call against the window as of now,
// pruning expired entries first.
func (w *Window) Check(now time.Time) WindowResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)

	utilization := float64(len(w.calls)) / float64(w.maxCalls)
	switch {
	case utilization >= 1.0:
		return WindowResult{Zone: ZoneHalt, Decision: kernel.Halt}
	case utilization >= w.degradeThreshold:
		w.calls = append(w.calls, now)
		return WindowResult{Zone: ZoneDegrade, Decision: kernel.Degrade, SuggestedModel: w.suggestedModel}
	default:
		w.calls = append(w.calls, now)
		return WindowResult{Zone: ZoneAllow, Decision: kernel.Allow}
	}
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.windowDuration)
	i := 0
	for ; i < len(w.calls); i++ {
		if w.calls[i].After(cutoff) {
			break
		}
	}
	w.calls = w.calls[i:]
}

// Count returns the number of calls currently counted in the window.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.calls)
}
