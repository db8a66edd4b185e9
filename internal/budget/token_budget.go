package budget

import (
	"sync"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

// tokenRecord is one recorded usage sample within the window.
type tokenRecord struct {
	at     time.Time
	amount int
}

// TokenBudget has the identical three-zone shape as Window, but operates
// on token counts recorded after each successful call rather than a
// pre-dispatch call count. Configurable to track output tokens only, or
// input+output combined.
type TokenBudget struct {
	mu sync.Mutex

	maxTokens        int
	windowDuration    time.Duration
	degradeThreshold float64
	includeInput     bool
	suggestedModel   string

	records []tokenRecord
}

// NewTokenBudget creates a TokenBudget. includeInput selects whether
// Record's inputTokens argument contributes to the ceiling (output tokens
// always contribute).
func NewTokenBudget(maxTokens, windowSeconds int, degradeThreshold float64, includeInput bool, suggestedModel string) *TokenBudget {
	return &TokenBudget{
		maxTokens:        maxTokens,
		windowDuration:   time.Duration(windowSeconds) * time.Second,
		degradeThreshold: degradeThreshold,
		includeInput:     includeInput,
		suggestedModel:   suggestedModel,
	}
}

// Record is called after a successful call completes, recording token
// usage and returning the zone that usage falls into.
func (t *TokenBudget) Record(now time.Time, inputTokens, outputTokens int) WindowResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)

	amount := outputTokens
	if t.includeInput {
		amount += inputTokens
	}
	t.records = append(t.records, tokenRecord{at: now, amount: amount})

	total := t.sumLocked()
	utilization := float64(total) / float64(t.maxTokens)
	switch {
	case utilization >= 1.0:
		return WindowResult{Zone: ZoneHalt, Decision: kernel.Halt}
	case utilization >= t.degradeThreshold:
		return WindowResult{Zone: ZoneDegrade, Decision: kernel.Degrade, SuggestedModel: t.suggestedModel}
	default:
		return WindowResult{Zone: ZoneAllow, Decision: kernel.Allow}
	}
}

func (t *TokenBudget) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.windowDuration)
	i := 0
	for ; i < len(t.records); i++ {
		if t.records[i].at.After(cutoff) {
			break
		}
	}
	t.records = t.records[i:]
}

func (t *TokenBudget) sumLocked() int {
	sum := 0
	for _, r := range t.records {
		sum += r.amount
	}
	return sum
}

// Total returns the current windowed token total.
func (t *TokenBudget) Total(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	return t.sumLocked()
}
