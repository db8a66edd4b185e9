// Package contrib — hooks.go
//
// Plugin interface for custom ShieldPipeline hooks.
//
// The containment kernel's contrib/ directory is the extension point for
// community-contributed policy hooks: rate limiters, allow/deny lists,
// cost-estimation models, or anything else that wants an opinion at one
// of the pipeline's six evaluation boundaries, without forking the
// built-in hook set.
//
// Plugin registration:
//
//	Plugins register themselves in an init() function using RegisterHook().
//	Wiring code selects active hooks by name and installs each one into a
//	pipeline with RegisterInto(pipeline, "rate-limiter"). The kernel's
//	config file has no hook-selection setting.
//
// Plugin contract:
//   - Implementations must be goroutine-safe; the pipeline evaluates hooks
//     from multiple chains concurrently.
//   - Hook methods must return quickly — they sit on the dispatch hot path.
//   - Hook methods must not call blocking I/O.
//   - Hook methods must not panic.
//   - Name() must return a stable, unique string (used as the registry key).
//
// Example plugin (contrib/hooks/ratelimit/ratelimit.go):
//
//	package ratelimit
//
//	import "github.com/veronica-labs/containment-kernel/contrib"
//
//	func init() {
//	  contrib.RegisterHook(&RateLimitHook{})
//	}
//
//	type RateLimitHook struct{}
//
//	func (h *RateLimitHook) Name() string { return "rate-limiter" }
package contrib

import (
	"fmt"
	"sync"

	"github.com/veronica-labs/containment-kernel/internal/kernel"
	"github.com/veronica-labs/containment-kernel/internal/shield"
)

// Named is the minimum surface every registered hook must implement. A
// plugin typically implements Named plus one or more of shield's hook
// interfaces (PreDispatchHook, ToolDispatchHook, EgressBoundaryHook,
// RetryBoundaryHook, BudgetBoundaryHook, OnChargeHook); RegisterInto uses
// type assertions to wire whichever boundaries it actually implements.
type Named interface {
	Name() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Named)
)

// RegisterHook registers a custom hook under its own Name().
// Panics if a hook with the same name is already registered.
// Call from init() functions in plugin packages.
func RegisterHook(h Named) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[h.Name()]; exists {
		panic(fmt.Sprintf("contrib: hook %q already registered", h.Name()))
	}
	registry[h.Name()] = h
}

// GetHook returns the registered hook with the given name.
// Returns an error if no hook with that name is registered.
func GetHook(name string) (Named, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: hook %q not registered (available: %v)", name, listNames())
	}
	return h, nil
}

// ListHooks returns the names of all registered hooks.
func ListHooks() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// RegisterInto wires the named hook into pipeline, registering it against
// every shield hook class it implements. Returns an error if the name is
// not registered or if it implements none of the six hook interfaces.
func RegisterInto(pipeline *shield.Pipeline, name string) error {
	h, err := GetHook(name)
	if err != nil {
		return err
	}

	wired := false
	if hk, ok := h.(shield.PreDispatchHook); ok {
		pipeline.RegisterPreDispatch(hk)
		wired = true
	}
	if hk, ok := h.(shield.ToolDispatchHook); ok {
		pipeline.RegisterToolDispatch(hk)
		wired = true
	}
	if hk, ok := h.(shield.EgressBoundaryHook); ok {
		pipeline.RegisterEgress(hk)
		wired = true
	}
	if hk, ok := h.(shield.RetryBoundaryHook); ok {
		pipeline.RegisterRetry(hk)
		wired = true
	}
	if hk, ok := h.(shield.BudgetBoundaryHook); ok {
		pipeline.RegisterBudget(hk)
		wired = true
	}
	if hk, ok := h.(shield.OnChargeHook); ok {
		pipeline.RegisterOnCharge(hk)
		wired = true
	}
	if !wired {
		return fmt.Errorf("contrib: hook %q implements none of the shield hook interfaces", name)
	}
	return nil
}

// ─── Example contrib hook: static deny-list ──────────────────────────────────
// Provided as a reference implementation in the contrib package itself.
// Community hooks should live in contrib/hooks/<name>/<name>.go.

// DenyListHook renders a hard Quarantine opinion for any operation name in
// its deny set, at the pre-dispatch boundary. Registered as "deny-list".
type DenyListHook struct {
	mu   sync.RWMutex
	deny map[string]string // operation name -> reason
}

func init() {
	RegisterHook(NewDenyListHook())
}

// NewDenyListHook creates an empty DenyListHook.
func NewDenyListHook() *DenyListHook {
	return &DenyListHook{deny: make(map[string]string)}
}

func (d *DenyListHook) Name() string { return "deny-list" }

// Add blocks operationName from now on, citing reason in the resulting
// SafetyEvent.
func (d *DenyListHook) Add(operationName, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deny[operationName] = reason
}

// Remove lifts a block.
func (d *DenyListHook) Remove(operationName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.deny, operationName)
}

func (d *DenyListHook) BeforeDispatch(ctx shield.ToolCallContext) shield.Opinion {
	d.mu.RLock()
	reason, blocked := d.deny[ctx.OperationName]
	d.mu.RUnlock()
	if !blocked {
		return shield.Opinion{}
	}
	return shield.Deny(kernel.Quarantine, reason)
}
