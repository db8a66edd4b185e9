package shield

import "github.com/veronica-labs/containment-kernel/internal/kernel"

// Adapter narrows a *Pipeline down to the kernel.PipelineAdapter surface
// ExecutionContext depends on, hiding ToolCallContext construction behind
// the three plain-argument calls ExecutionContext already has on hand.
type Adapter struct {
	P *Pipeline
}

// NewAdapter wraps p.
func NewAdapter(p *Pipeline) Adapter { return Adapter{P: p} }

func (a Adapter) EvaluatePreDispatch(operationName, chainID, requestID string) (bool, kernel.Decision, kernel.SafetyEvent) {
	out := a.P.EvaluatePreDispatch(ToolCallContext{
		ChainID:       chainID,
		RequestID:     requestID,
		OperationName: operationName,
	})
	return out.Decided, out.Decision, out.Event
}

func (a Adapter) EvaluateBudget(operationName, chainID, requestID string, amount float64) (bool, kernel.Decision, kernel.SafetyEvent) {
	out := a.P.EvaluateBudget(ToolCallContext{
		ChainID:       chainID,
		RequestID:     requestID,
		OperationName: operationName,
	}, amount)
	return out.Decided, out.Decision, out.Event
}

func (a Adapter) NotifyCharge(operationName, chainID, requestID string, amount, total float64) {
	a.P.NotifyCharge(ToolCallContext{
		ChainID:       chainID,
		RequestID:     requestID,
		OperationName: operationName,
	}, amount, total)
}
