// Package safemode implements the kernel's top-level, process-wide
// emergency state: orthogonal to any single chain, persisted with an
// atomic tmp-rename-plus-fsync write, and requiring explicit operator
// action to clear once SAFE_MODE is entered.
package safemode

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is one of the five top-level process states.
type State string

const (
	Idle      State = "IDLE"
	Screening State = "SCREENING"
	Cooldown  State = "COOLDOWN"
	SafeMode  State = "SAFE_MODE"
	Error     State = "ERROR"
)

// Transition records one state change for the audit trail.
type Transition struct {
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Timestamp float64   `json:"timestamp"` // seconds since epoch
	Reason    string    `json:"reason"`
}

// persisted is the JSON-serialized form written to disk (§6).
type persisted struct {
	CurrentState     State              `json:"current_state"`
	ActiveCooldowns  map[string]float64 `json:"active_cooldowns"`
	FailCounts       map[string]int     `json:"fail_counts"`
	TotalTransitions int                `json:"total_transitions"`
	LastTransition   *Transition        `json:"last_transition"`
}

// Controller is the constructed, non-global owner of process-wide
// emergency state. It is passed explicitly into ExecutionContext
// construction rather than accessed through an ambient singleton.
type Controller struct {
	mu sync.Mutex

	path string
	log  *zap.Logger

	state            State
	activeCooldowns  map[string]float64
	failCounts       map[string]int
	totalTransitions int
	lastTransition   *Transition
}

// New creates a Controller that persists to path, starting at IDLE. Call
// Load to recover any prior persisted state before serving traffic.
func New(path string, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		path:            path,
		log:             log,
		state:           Idle,
		activeCooldowns: make(map[string]float64),
		failCounts:      make(map[string]int),
	}
}

// CurrentState returns the current top-level state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition moves to newState for reason, recording an audit entry. SAFE_MODE
// can only be cleared by an explicit caller-issued transition — nothing in
// this package clears it automatically.
func (c *Controller) Transition(newState State, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Transition{
		FromState: c.state,
		ToState:   newState,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Reason:    reason,
	}
	c.state = newState
	c.totalTransitions++
	c.lastTransition = &t
}

// RecordFailure increments the fail counter for entity.
func (c *Controller) RecordFailure(entity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCounts[entity]++
}

// SetCooldown records an absolute cooldown expiry (seconds since epoch)
// for entity.
func (c *Controller) SetCooldown(entity string, expiresAt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeCooldowns[entity] = expiresAt
}

// IsSafeMode reports whether every wrapped call must currently return HALT
// regardless of budget.
func (c *Controller) IsSafeMode() bool {
	return c.CurrentState() == SafeMode
}

// Save persists the current state using the tmp-rename-plus-fsync atomic
// write protocol (§4.9): serialize to JSON, write to <path>.tmp, fsync the
// file, then rename over <path>. A crash between steps leaves the
// original file intact — the rename is the only step that can be
// observed as "done" by a concurrent reader.
func (c *Controller) Save() error {
	c.mu.Lock()
	snap := persisted{
		CurrentState:     c.state,
		ActiveCooldowns:  cloneFloatMap(c.activeCooldowns),
		FailCounts:       cloneIntMap(c.failCounts),
		TotalTransitions: c.totalTransitions,
		LastTransition:   c.lastTransition,
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("safemode: marshal state: %w", err)
	}

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("safemode: open tmp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("safemode: write tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("safemode: fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("safemode: close tmp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("safemode: rename tmp file: %w", err)
	}
	return nil
}

// Load reads persisted state from disk. A missing file or parse failure
// is not fatal: it logs a warning and leaves the controller at its blank
// initial state (the kernel does not crash on a corrupt state file).
func (c *Controller) Load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("safemode: failed to read state file", zap.Error(err), zap.String("path", c.path))
		}
		return
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("safemode: failed to parse state file, starting blank", zap.Error(err), zap.String("path", c.path))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = p.CurrentState
	if c.state == "" {
		c.state = Idle
	}
	c.activeCooldowns = p.ActiveCooldowns
	if c.activeCooldowns == nil {
		c.activeCooldowns = make(map[string]float64)
	}
	c.failCounts = p.FailCounts
	if c.failCounts == nil {
		c.failCounts = make(map[string]int)
	}
	c.totalTransitions = p.TotalTransitions
	c.lastTransition = p.LastTransition
}

// InstallSignalHandlers installs best-effort handlers for graceful
// termination that call Save before the process exits. Signal
// interception is explicitly an orthogonal, best-effort concern (§9): the
// primary durability guarantee rests on atomic writes triggered during
// normal operation, not on handler execution, since hard kills (SIGKILL)
// cannot be intercepted at all.
func (c *Controller) InstallSignalHandlers() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range ch {
			if err := c.Save(); err != nil {
				c.log.Error("safemode: save on signal failed", zap.Error(err), zap.String("signal", sig.String()))
			}
			if sig == syscall.SIGHUP {
				continue
			}
			os.Exit(0)
		}
	}()
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
