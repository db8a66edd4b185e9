package graph

import "github.com/veronica-labs/containment-kernel/internal/kernel"

// Adapter narrows a *Graph down to the kernel.GraphAdapter surface that
// ExecutionContext depends on. kernel cannot import graph directly (graph
// imports kernel for SafetyEvent/Decision), so this wrapper lives on the
// graph side of the boundary instead.
type Adapter struct {
	G *Graph
}

// NewAdapter wraps g.
func NewAdapter(g *Graph) Adapter { return Adapter{G: g} }

func (a Adapter) CreateRoot(name string) (string, error) {
	n, err := a.G.CreateRoot(name)
	if err != nil {
		return "", err
	}
	return n.NodeID, nil
}

func (a Adapter) BeginNode(parentID, kind, name string) (string, error) {
	n, err := a.G.BeginNode(parentID, Kind(kind), name, nil, nil)
	if err != nil {
		return "", err
	}
	return n.NodeID, nil
}

func (a Adapter) MarkRunning(nodeID string) error { return a.G.MarkRunning(nodeID) }

func (a Adapter) MarkSuccess(nodeID string, costUSD float64, tokensIn, tokensOut *int) error {
	return a.G.MarkSuccess(nodeID, costUSD, tokensIn, tokensOut)
}

func (a Adapter) MarkFailure(nodeID string, errorClass string, stopReason *string) error {
	return a.G.MarkFailure(nodeID, errorClass, stopReason)
}

func (a Adapter) MarkHalt(nodeID string, stopReason *string) error {
	return a.G.MarkHalt(nodeID, stopReason)
}

func (a Adapter) IncrementRetries(nodeID string) { a.G.IncrementRetries(nodeID) }

func (a Adapter) Drain() []kernel.SafetyEvent { return a.G.Drain() }

func (a Adapter) TotalCostUSD() float64 { return a.G.Aggregates().TotalCostUSD }

func (a Adapter) FinalizeNonTerminal(reason string) { a.G.FinalizeNonTerminal(reason) }
