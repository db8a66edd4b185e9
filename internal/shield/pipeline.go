// Package shield implements the ShieldPipeline: an ordered chain of
// policy hooks evaluated before dispatch, before charge, and at the
// tool/egress/retry boundaries of a wrapped call.
package shield

import (
	"sync"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
)

// ToolCallContext carries the information a hook needs to form an opinion
// about one call: its operation name, chain and request identifiers, the
// model in play (if any), and a free-form metadata bag for hook-specific
// signals (e.g. a cost estimate hint).
type ToolCallContext struct {
	ChainID       string
	RequestID     string
	OperationName string
	Model         string
	Metadata      map[string]interface{}
}

// Opinion is the result a hook produces: either no opinion (Some=false,
// meaning "continue to the next hook") or a concrete Decision plus the
// reason that will be recorded on the resulting SafetyEvent.
type Opinion struct {
	Some     bool
	Decision kernel.Decision
	Reason   string
}

// none is returned by hooks that decline to render an opinion.
func none() Opinion { return Opinion{} }

// allow is the hard-ALLOW opinion: it short-circuits the remaining hooks
// in the same class.
func allow(reason string) Opinion {
	return Opinion{Some: true, Decision: kernel.Allow, Reason: reason}
}

func deny(decision kernel.Decision, reason string) Opinion {
	return Opinion{Some: true, Decision: decision, Reason: reason}
}

// Allow constructs a hard-ALLOW opinion for use by hook implementations.
func Allow(reason string) Opinion { return allow(reason) }

// Deny constructs a non-ALLOW opinion for use by hook implementations.
func Deny(decision kernel.Decision, reason string) Opinion { return deny(decision, reason) }

// PreDispatchHook runs before an LLM or tool call is dispatched.
type PreDispatchHook interface {
	Name() string
	BeforeDispatch(ctx ToolCallContext) Opinion
}

// ToolDispatchHook runs before a tool call specifically (in addition to
// PreDispatchHook, which covers both LLM and tool calls).
type ToolDispatchHook interface {
	Name() string
	BeforeToolDispatch(ctx ToolCallContext) Opinion
}

// EgressBoundaryHook inspects outbound payload properties (e.g. URL
// length) before the call leaves the process.
type EgressBoundaryHook interface {
	Name() string
	BeforeEgress(ctx ToolCallContext) Opinion
}

// RetryBoundaryHook decides whether a failed call may be retried.
type RetryBoundaryHook interface {
	Name() string
	BeforeRetry(ctx ToolCallContext, attempt int, lastErr error) Opinion
}

// BudgetBoundaryHook renders an opinion informed by budget state,
// independent of the BudgetEnforcer's own hard ceiling check.
type BudgetBoundaryHook interface {
	Name() string
	BeforeCharge(ctx ToolCallContext, amount float64) Opinion
}

// OnChargeHook observes a successful charge after it has been applied.
// It cannot veto the charge; it is notification-only.
type OnChargeHook interface {
	Name() string
	OnCharge(ctx ToolCallContext, amount, total float64)
}

// Pipeline holds ordered, heterogeneous hook registrations for each of the
// six classes. Hook evaluation itself holds no lock across invocation;
// each hook implementation is responsible for guarding its own internal
// state. Registration is guarded because Register may be called
// concurrently with Evaluate during startup wiring.
type Pipeline struct {
	mu sync.RWMutex

	preDispatch  []PreDispatchHook
	toolDispatch []ToolDispatchHook
	egress       []EgressBoundaryHook
	retry        []RetryBoundaryHook
	budget       []BudgetBoundaryHook
	onCharge     []OnChargeHook
}

// New creates an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) RegisterPreDispatch(h PreDispatchHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preDispatch = append(p.preDispatch, h)
}

func (p *Pipeline) RegisterToolDispatch(h ToolDispatchHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolDispatch = append(p.toolDispatch, h)
}

func (p *Pipeline) RegisterEgress(h EgressBoundaryHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.egress = append(p.egress, h)
}

func (p *Pipeline) RegisterRetry(h RetryBoundaryHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry = append(p.retry, h)
}

func (p *Pipeline) RegisterBudget(h BudgetBoundaryHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget = append(p.budget, h)
}

func (p *Pipeline) RegisterOnCharge(h OnChargeHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCharge = append(p.onCharge, h)
}

// Outcome is the result of evaluating one hook class: the winning
// decision (if any) and the SafetyEvent it produced.
type Outcome struct {
	Decided bool
	Decision kernel.Decision
	Event   kernel.SafetyEvent
}

// EvaluatePreDispatch runs every registered PreDispatchHook in
// registration order. The first non-ALLOW opinion wins and is recorded as
// a SafetyEvent; a hard-ALLOW opinion short-circuits the remaining hooks.
func (p *Pipeline) EvaluatePreDispatch(ctx ToolCallContext) Outcome {
	p.mu.RLock()
	hooks := append([]PreDispatchHook(nil), p.preDispatch...)
	p.mu.RUnlock()

	for _, h := range hooks {
		op := h.BeforeDispatch(ctx)
		if !op.Some {
			continue
		}
		evt := kernel.NewSafetyEvent("pre_dispatch", op.Decision, h.Name(), op.Reason).
			WithChain(ctx.ChainID, ctx.RequestID)
		if op.Decision == kernel.Allow {
			return Outcome{Decided: true, Decision: kernel.Allow, Event: evt}
		}
		return Outcome{Decided: true, Decision: op.Decision, Event: evt}
	}
	return Outcome{}
}

// EvaluateToolDispatch mirrors EvaluatePreDispatch for the tool-specific
// hook class.
func (p *Pipeline) EvaluateToolDispatch(ctx ToolCallContext) Outcome {
	p.mu.RLock()
	hooks := append([]ToolDispatchHook(nil), p.toolDispatch...)
	p.mu.RUnlock()

	for _, h := range hooks {
		op := h.BeforeToolDispatch(ctx)
		if !op.Some {
			continue
		}
		evt := kernel.NewSafetyEvent("tool_dispatch", op.Decision, h.Name(), op.Reason).
			WithChain(ctx.ChainID, ctx.RequestID)
		return Outcome{Decided: true, Decision: op.Decision, Event: evt}
	}
	return Outcome{}
}

// EvaluateEgress runs every registered EgressBoundaryHook.
func (p *Pipeline) EvaluateEgress(ctx ToolCallContext) Outcome {
	p.mu.RLock()
	hooks := append([]EgressBoundaryHook(nil), p.egress...)
	p.mu.RUnlock()

	for _, h := range hooks {
		op := h.BeforeEgress(ctx)
		if !op.Some {
			continue
		}
		evt := kernel.NewSafetyEvent("egress_boundary", op.Decision, h.Name(), op.Reason).
			WithChain(ctx.ChainID, ctx.RequestID)
		return Outcome{Decided: true, Decision: op.Decision, Event: evt}
	}
	return Outcome{}
}

// EvaluateRetry runs every registered RetryBoundaryHook.
func (p *Pipeline) EvaluateRetry(ctx ToolCallContext, attempt int, lastErr error) Outcome {
	p.mu.RLock()
	hooks := append([]RetryBoundaryHook(nil), p.retry...)
	p.mu.RUnlock()

	for _, h := range hooks {
		op := h.BeforeRetry(ctx, attempt, lastErr)
		if !op.Some {
			continue
		}
		evt := kernel.NewSafetyEvent("retry_boundary", op.Decision, h.Name(), op.Reason).
			WithChain(ctx.ChainID, ctx.RequestID)
		return Outcome{Decided: true, Decision: op.Decision, Event: evt}
	}
	return Outcome{}
}

// EvaluateBudget runs every registered BudgetBoundaryHook.
func (p *Pipeline) EvaluateBudget(ctx ToolCallContext, amount float64) Outcome {
	p.mu.RLock()
	hooks := append([]BudgetBoundaryHook(nil), p.budget...)
	p.mu.RUnlock()

	for _, h := range hooks {
		op := h.BeforeCharge(ctx, amount)
		if !op.Some {
			continue
		}
		evt := kernel.NewSafetyEvent("budget_boundary", op.Decision, h.Name(), op.Reason).
			WithChain(ctx.ChainID, ctx.RequestID)
		return Outcome{Decided: true, Decision: op.Decision, Event: evt}
	}
	return Outcome{}
}

// NotifyCharge invokes every registered OnChargeHook. Notification-only:
// no hook in this class can alter the decision already made.
func (p *Pipeline) NotifyCharge(ctx ToolCallContext, amount, total float64) {
	p.mu.RLock()
	hooks := append([]OnChargeHook(nil), p.onCharge...)
	p.mu.RUnlock()

	for _, h := range hooks {
		h.OnCharge(ctx, amount, total)
	}
}
