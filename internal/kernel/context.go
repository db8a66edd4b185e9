package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veronica-labs/containment-kernel/internal/breaker"
	"github.com/veronica-labs/containment-kernel/internal/budget"
	"github.com/veronica-labs/containment-kernel/internal/safemode"
)

// ChainMetadata is immutable for the lifetime of an ExecutionContext.
// chain_id is assigned once at construction and never mutated.
type ChainMetadata struct {
	RequestID string
	ChainID   string
	OrgID     string
	Team      string
	Service   string
	UserID    *string
	Model     *string
	Tags      map[string]string
}

// ExecutionConfig is immutable once an ExecutionContext is constructed.
// MaxCostUSD and MaxSteps must be positive; a non-positive value is a
// programmer contract violation, not a policy denial.
type ExecutionConfig struct {
	MaxCostUSD      float64
	MaxSteps        int
	MaxRetriesTotal int
	TimeoutMs       int64 // 0 disables the chain-level deadline
}

// Validate enforces the construction-time invariants of ExecutionConfig.
func (c ExecutionConfig) Validate() error {
	if c.MaxCostUSD <= 0 {
		return NewContractViolation("ExecutionConfig", "max_cost_usd must be positive, got %v", c.MaxCostUSD)
	}
	if c.MaxSteps <= 0 {
		return NewContractViolation("ExecutionConfig", "max_steps must be positive, got %v", c.MaxSteps)
	}
	if c.MaxRetriesTotal < 0 {
		return NewContractViolation("ExecutionConfig", "max_retries_total must be non-negative, got %v", c.MaxRetriesTotal)
	}
	if c.TimeoutMs < 0 {
		return NewContractViolation("ExecutionConfig", "timeout_ms must be non-negative, got %v", c.TimeoutMs)
	}
	return nil
}

// GraphAdapter is the narrow surface ExecutionContext needs from an
// execution graph. internal/graph.Graph satisfies it; the interface
// exists so this package does not import internal/graph (which itself
// depends on this package for kernel.SafetyEvent / kernel.Decision),
// avoiding an import cycle.
type GraphAdapter interface {
	CreateRoot(name string) (nodeID string, err error)
	BeginNode(parentID, kind, name string) (nodeID string, err error)
	MarkRunning(nodeID string) error
	MarkSuccess(nodeID string, costUSD float64, tokensIn, tokensOut *int) error
	MarkFailure(nodeID string, errorClass string, stopReason *string) error
	MarkHalt(nodeID string, stopReason *string) error
	IncrementRetries(nodeID string)
	Drain() []SafetyEvent
	TotalCostUSD() float64
	FinalizeNonTerminal(reason string)
}

// PipelineAdapter is the narrow surface ExecutionContext needs from a
// ShieldPipeline. internal/shield imports this package, so ShieldPipeline
// cannot be referenced here directly; internal/shield.Adapter wraps a
// *shield.Pipeline to satisfy this interface.
type PipelineAdapter interface {
	EvaluatePreDispatch(operationName, chainID, requestID string) (decided bool, decision Decision, event SafetyEvent)
	EvaluateBudget(operationName, chainID, requestID string, amount float64) (decided bool, decision Decision, event SafetyEvent)
	NotifyCharge(operationName, chainID, requestID string, amount, total float64)
}

// CallResult is what a wrapped fn reports back about one dispatch.
type CallResult struct {
	CostUSD    *float64
	TokensIn   *int
	TokensOut  *int
	StopReason *string
}

// Fn is the thunk an ExecutionContext dispatches under deadline and
// cancellation.
type Fn func(ctx context.Context) (CallResult, error)

// WrapOptions configures one wrapped call.
type WrapOptions struct {
	OperationName     string
	CostEstimateHint  *float64
	TimeoutMsOverride *int64
	RetryOverride     *int
	Model             *string
}

// Context is one agent-run scope. All outbound LLM or tool calls within
// the scope pass through WrapLLMCall or WrapToolCall.
type Context struct {
	mu sync.Mutex

	metadata ChainMetadata
	config   ExecutionConfig

	graph    GraphAdapter
	pipeline PipelineAdapter
	cb       *breaker.Breaker
	safeMode *safemode.Controller
	ceiling  *budget.Enforcer

	parent *Context

	tailParent string
	rootID     string

	stepCount   int
	retriesUsed int
	aborted     bool
	abortReason string

	startedAt time.Time
	cancel    context.CancelCauseFunc
	baseCtx   context.Context
}

// NewContext constructs a root-level ExecutionContext. parent may be nil.
func NewContext(
	ctx context.Context,
	metadata ChainMetadata,
	config ExecutionConfig,
	g GraphAdapter,
	pipeline PipelineAdapter,
	cb *breaker.Breaker,
	safeMode *safemode.Controller,
	parent *Context,
) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rootID, err := g.CreateRoot(metadata.ChainID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancelCause(ctx)
	c := &Context{
		metadata:   metadata,
		config:     config,
		graph:      g,
		pipeline:   pipeline,
		cb:         cb,
		safeMode:   safeMode,
		ceiling:    budget.NewEnforcer(config.MaxCostUSD),
		parent:     parent,
		tailParent: rootID,
		rootID:     rootID,
		startedAt:  time.Now(),
		cancel:     cancel,
		baseCtx:    cctx,
	}
	return c, nil
}

// Abort sets the cancellation flag for this context and every subsequent
// wrap call in this context (and, by cost-propagation transitivity, in
// its descendants) returns HALT.
func (c *Context) Abort(reason string) {
	c.mu.Lock()
	c.aborted = true
	c.abortReason = reason
	c.mu.Unlock()
	c.cancel(fmt.Errorf("aborted: %s", reason))
}

func (c *Context) isAborted() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.abortReason
}

func (c *Context) remainingDeadline() (time.Time, bool) {
	if c.config.TimeoutMs == 0 {
		return time.Time{}, false
	}
	return c.startedAt.Add(time.Duration(c.config.TimeoutMs) * time.Millisecond), true
}

// checkChainLimits evaluates the ordered chain-level limit checks (§4.1
// step 2) that do not themselves require a cost estimate: aborted, an
// already-halted cost ceiling, steps, retries, deadline. Charging the cost
// ceiling is done separately in wrap via the budget Enforcer, since it is
// the only check that both consumes an estimate and must transition to
// halted atomically with the check.
func (c *Context) checkChainLimits(now time.Time) (Decision, string, bool) {
	if aborted, reason := c.isAborted(); aborted {
		return Halt, "aborted: " + reason, true
	}
	if c.ceiling.Halted() {
		return Halt, "budget_exceeded", true
	}

	c.mu.Lock()
	steps := c.stepCount
	retries := c.retriesUsed
	c.mu.Unlock()

	if steps >= c.config.MaxSteps {
		return Halt, "step_limit_exceeded", true
	}
	if retries >= c.config.MaxRetriesTotal {
		return Halt, "retry_budget_exceeded", true
	}
	if deadline, has := c.remainingDeadline(); has && now.After(deadline) {
		return Halt, "timeout", true
	}
	return Allow, "", false
}

// WrapLLMCall wraps one LLM call. See WrapToolCall for the tool variant;
// both share the algorithm in wrap and differ only in node kind. Both
// evaluate the pre-dispatch hook class at step 5; tool-dispatch hooks are
// not evaluated by wrap.
func (c *Context) WrapLLMCall(ctx context.Context, fn Fn, opts WrapOptions) (Decision, error) {
	return c.wrap(ctx, "llm", fn, opts)
}

// WrapToolCall wraps one tool call.
func (c *Context) WrapToolCall(ctx context.Context, fn Fn, opts WrapOptions) (Decision, error) {
	return c.wrap(ctx, "tool", fn, opts)
}

func (c *Context) wrap(ctx context.Context, kind string, fn Fn, opts WrapOptions) (Decision, error) {
	now := time.Now()

	// SAFE_MODE is checked ahead of every other policy: once set, every
	// wrapped call returns HALT regardless of budget (§4.9).
	if c.safeMode != nil && c.safeMode.IsSafeMode() {
		return Halt, fmt.Errorf("safe_mode_active")
	}

	// Step 1: construct a graph node under the current tail parent.
	nodeID, err := c.graph.BeginNode(c.tailParent, kind, opts.OperationName)
	if err != nil {
		return Halt, err
	}

	// Step 2: chain-level limit checks.
	if decision, reason, hit := c.checkChainLimits(now); hit {
		_ = c.graph.MarkHalt(nodeID, &reason)
		return decision, fmt.Errorf("%s", reason)
	}

	// Step 2(b): cost ceiling, pre-charged against a known estimate. A call
	// whose cost is only knowable after dispatch (no hint) skips this gate
	// and is charged post-hoc in the success path below.
	var preCharged bool
	if opts.CostEstimateHint != nil {
		if res := c.ceiling.TryCharge(*opts.CostEstimateHint); !res.Allowed {
			reason := "budget_exceeded"
			_ = c.graph.MarkHalt(nodeID, &reason)
			return Halt, fmt.Errorf("%s", reason)
		}
		preCharged = true
	}

	// Step 3: propagate the same checks to the parent chain.
	if c.parent != nil {
		if decision, reason, hit := c.parent.checkChainLimits(now); hit {
			c.parent.Abort(reason)
			_ = c.graph.MarkHalt(nodeID, &reason)
			return decision, fmt.Errorf("parent_%s", reason)
		}
		if preCharged {
			if res := c.parent.ceiling.TryCharge(*opts.CostEstimateHint); !res.Allowed {
				c.parent.Abort("budget_exceeded")
				reason := "parent_budget_exceeded"
				_ = c.graph.MarkHalt(nodeID, &reason)
				return Halt, fmt.Errorf("%s", reason)
			}
		}
	}

	// Step 4: circuit breaker.
	if c.cb != nil {
		if res := c.cb.Check(opts.OperationName, now); !res.Allowed {
			reason := res.Reason
			_ = c.graph.MarkHalt(nodeID, &reason)
			return Halt, fmt.Errorf("%s", reason)
		}
	}

	// Step 5: pre-dispatch pipeline hooks.
	if c.pipeline != nil {
		if decided, decision, _ := c.pipeline.EvaluatePreDispatch(opts.OperationName, c.metadata.ChainID, c.metadata.RequestID); decided && decision != Allow {
			reason := string(decision)
			_ = c.graph.MarkHalt(nodeID, &reason)
			return decision, fmt.Errorf("pipeline_denied: %s", reason)
		}
	}

	// Step 6: mark running, drain divergence/rate events staged by the
	// graph as a side effect of this transition.
	if err := c.graph.MarkRunning(nodeID); err != nil {
		return Halt, err
	}
	c.graph.Drain() // appended to the chain event log by the caller's sink wiring

	c.mu.Lock()
	c.stepCount++
	c.mu.Unlock()

	// Step 7: dispatch under deadline.
	callCtx, cancel := c.deadlineContext(ctx, opts.TimeoutMsOverride)
	defer cancel()

	result, callErr := fn(callCtx)

	if callErr != nil {
		// Step 9: failure path.
		c.mu.Lock()
		c.retriesUsed++
		c.mu.Unlock()
		c.graph.IncrementRetries(nodeID)
		if c.cb != nil {
			c.cb.RecordFailure(opts.OperationName, time.Now())
		}
		errClass := "dispatch_error"
		_ = c.graph.MarkFailure(nodeID, errClass, nil)
		return Halt, callErr
	}

	// Step 8: success path — resolve cost, propagate, charge hooks. If the
	// cost was already charged against an estimate at step 2(b), it is not
	// charged again here; only calls dispatched without a hint charge the
	// ceiling post-hoc, against the now-known actual cost.
	cost := c.resolveCost(result, opts)

	if c.pipeline != nil {
		if decided, decision, _ := c.pipeline.EvaluateBudget(opts.OperationName, c.metadata.ChainID, c.metadata.RequestID, cost); decided && decision != Allow {
			reason := string(decision)
			_ = c.graph.MarkHalt(nodeID, &reason)
			return decision, fmt.Errorf("budget_boundary_denied: %s", reason)
		}
	}

	if !preCharged && cost > 0 {
		c.ceiling.TryCharge(cost)
	}
	total := c.ceiling.Used()

	// The immediate parent was already charged (and check-propagated) at
	// step 3 when preCharged; grandparents and beyond never were, so
	// propagation always continues past the immediate parent.
	if c.parent != nil {
		if !preCharged {
			c.parent.chargeAndMaybeAbort(cost)
		}
		c.parent.propagateCostToParent(cost)
	}

	if c.pipeline != nil {
		c.pipeline.NotifyCharge(opts.OperationName, c.metadata.ChainID, c.metadata.RequestID, cost, total)
	}

	if c.cb != nil {
		c.cb.RecordSuccess(opts.OperationName)
	}

	_ = c.graph.MarkSuccess(nodeID, cost, result.TokensIn, result.TokensOut)
	return Allow, nil
}

// resolveCost implements the cost-resolution order from §4.1 step 8: an
// explicit hint, then the call result's own cost, then zero (callers that
// want the COST_ESTIMATION_SKIPPED event wire a BudgetBoundaryHook that
// observes a zero-cost success with a model set).
func (c *Context) resolveCost(result CallResult, opts WrapOptions) float64 {
	if opts.CostEstimateHint != nil {
		return *opts.CostEstimateHint
	}
	if result.CostUSD != nil {
		return *result.CostUSD
	}
	return 0
}

// chargeAndMaybeAbort charges cost against this context's own ceiling and
// aborts it if that charge pushed it into halted state.
func (c *Context) chargeAndMaybeAbort(cost float64) {
	if cost <= 0 {
		return
	}
	c.ceiling.TryCharge(cost)
	if c.ceiling.Halted() {
		c.Abort("budget_exceeded")
	}
}

// propagateCostToParent recursively adds cost to every ancestor beyond the
// immediate parent (which the caller charges separately when it was not
// already pre-charged at step 3). If a charge would push an ancestor past
// its ceiling, that ancestor is aborted — and, by transitivity, so is every
// other descendant of that ancestor on its next call.
func (c *Context) propagateCostToParent(cost float64) {
	if c.parent == nil {
		return
	}
	c.parent.chargeAndMaybeAbort(cost)
	c.parent.propagateCostToParent(cost)
}

// deadlineContext derives a dispatch context bounded by
// min(remaining_chain_deadline, per_call_timeout_ms), honoring this
// context's own cancellation.
func (c *Context) deadlineContext(parent context.Context, perCallOverrideMs *int64) (context.Context, context.CancelFunc) {
	base := c.baseCtx
	if base == nil {
		base = parent
	}

	var perCall time.Duration
	if perCallOverrideMs != nil {
		perCall = time.Duration(*perCallOverrideMs) * time.Millisecond
	}

	chainDeadline, hasChain := c.remainingDeadline()

	switch {
	case hasChain && perCall > 0:
		remaining := time.Until(chainDeadline)
		if perCall < remaining {
			return context.WithTimeout(base, perCall)
		}
		return context.WithDeadline(base, chainDeadline)
	case hasChain:
		return context.WithDeadline(base, chainDeadline)
	case perCall > 0:
		return context.WithTimeout(base, perCall)
	default:
		return context.WithCancel(base)
	}
}

// Finalize finalizes every non-terminal node as fail with reason
// "context_exited" (§4.1, §6). Call on normal or abnormal scope exit.
func (c *Context) Finalize() {
	c.graph.FinalizeNonTerminal("context_exited")
}

// Aborted reports whether this context has been aborted and, if so, why.
func (c *Context) Aborted() (bool, string) {
	return c.isAborted()
}

// LocalCost returns the cost accumulated directly in this context (not
// including descendants' propagated cost beyond what already flowed up).
func (c *Context) LocalCost() float64 {
	return c.ceiling.Used()
}

// StepCount returns the number of wrap calls dispatched so far.
func (c *Context) StepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepCount
}
