package kernel

import "time"

// maxReasonLen bounds SafetyEvent.Reason at the external boundary (§6).
const maxReasonLen = 500

// SafetyEvent is a structured, append-only record of a policy decision or
// anomaly. It never carries prompt or response content. Events are staged
// per chain and drained by the caller; they are not part of persisted
// SAFE_MODE state.
type SafetyEvent struct {
	EventType string    `json:"event_type"`
	Decision  Decision  `json:"decision"`
	Hook      string    `json:"hook"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`

	RequestID *string `json:"request_id,omitempty"`
	ChainID   *string `json:"chain_id,omitempty"`
	Signature *string `json:"signature,omitempty"`

	CostRate       *float64 `json:"cost_rate,omitempty"`
	TokenVelocity  *float64 `json:"token_velocity,omitempty"`
	RepeatCount    *int     `json:"repeat_count,omitempty"`
}

// NewSafetyEvent constructs an event, truncating Reason to maxReasonLen.
func NewSafetyEvent(eventType string, decision Decision, hook, reason string) SafetyEvent {
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return SafetyEvent{
		EventType: eventType,
		Decision:  decision,
		Hook:      hook,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// WithChain attaches chain and request identifiers to the event.
func (e SafetyEvent) WithChain(chainID, requestID string) SafetyEvent {
	e.ChainID = &chainID
	e.RequestID = &requestID
	return e
}

// WithSignature attaches a divergence signature and repeat count.
func (e SafetyEvent) WithSignature(sig string, repeatCount int) SafetyEvent {
	e.Signature = &sig
	e.RepeatCount = &repeatCount
	return e
}

// WithRates attaches cost-rate / token-velocity payload fields.
func (e SafetyEvent) WithRates(costRate, tokenVelocity float64) SafetyEvent {
	e.CostRate = &costRate
	e.TokenVelocity = &tokenVelocity
	return e
}

// EventSink receives drained SafetyEvents. Sinks are iterated individually;
// a failing sink is caught and logged, never allowed to block or roll back
// the decision that produced the event.
type EventSink interface {
	Emit(event SafetyEvent)
}

// EventQueue is a bounded, non-blocking staging area for events produced
// during graph mutation (divergence, rate heuristics) before they are
// drained into the chain's permanent log. Adapted from a ring-buffer event
// processor: a full queue drops the incoming report rather than blocking
// the caller, since staging happens on the hot path inside a held lock.
type EventQueue struct {
	ch chan SafetyEvent
}

// NewEventQueue creates a queue with the given capacity. capacity must be > 0.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventQueue{ch: make(chan SafetyEvent, capacity)}
}

// Stage enqueues an event without blocking. If the queue is full the event
// is dropped; callers that care about loss should drain promptly — graph
// mutations drain after every mark_running.
func (q *EventQueue) Stage(e SafetyEvent) (dropped bool) {
	select {
	case q.ch <- e:
		return false
	default:
		return true
	}
}

// Drain removes and returns every currently staged event without blocking.
func (q *EventQueue) Drain() []SafetyEvent {
	var out []SafetyEvent
	for {
		select {
		case e := <-q.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
