// Package main — cmd/kernel-demo/main.go
//
// Containment kernel example wiring entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/containment-kernel/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Load SAFE_MODE state from disk; install signal handlers for Save().
//  4. Start the Prometheus metrics server (127.0.0.1:9091).
//  5. Open the optional BoltDB safety-event ledger.
//  6. Start the operator Unix-socket control plane.
//  7. Construct the shared CircuitBreaker, DegradeController, and
//     AdaptiveBudgetHook, and start the event-feedback loop that drains
//     SafetyEvents from the demo chain's graph into them.
//  8. Run a demo chain through ExecutionContext.WrapLLMCall.
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Persist SAFE_MODE state.
//  3. Close the ledger.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veronica-labs/containment-kernel/internal/adaptive"
	"github.com/veronica-labs/containment-kernel/internal/breaker"
	"github.com/veronica-labs/containment-kernel/internal/config"
	"github.com/veronica-labs/containment-kernel/internal/degrade"
	"github.com/veronica-labs/containment-kernel/internal/graph"
	"github.com/veronica-labs/containment-kernel/internal/kernel"
	"github.com/veronica-labs/containment-kernel/internal/observability"
	"github.com/veronica-labs/containment-kernel/internal/operator"
	"github.com/veronica-labs/containment-kernel/internal/safemode"
	"github.com/veronica-labs/containment-kernel/internal/safetyledger"
	"github.com/veronica-labs/containment-kernel/internal/shield"
)

func main() {
	configPath := flag.String("config", "/etc/containment-kernel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("kernel-demo %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("containment kernel starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── SAFE_MODE controller ──────────────────────────────────────────────────
	safeMode := safemode.New(cfg.SafeMode.StatePath, log)
	safeMode.Load()
	safeMode.InstallSignalHandlers()
	log.Info("safe_mode state loaded", zap.String("state", string(safeMode.CurrentState())))

	// ── Metrics ────────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Optional safety event ledger ──────────────────────────────────────────
	var ledger *safetyledger.Ledger
	if cfg.Ledger.Enabled {
		ledger, err = safetyledger.Open(cfg.Ledger.DBPath, cfg.Ledger.RetentionDays)
		if err != nil {
			log.Fatal("ledger open failed", zap.Error(err), zap.String("path", cfg.Ledger.DBPath))
		}
		defer ledger.Close() //nolint:errcheck
		log.Info("safety event ledger opened", zap.String("path", cfg.Ledger.DBPath))
	}

	// ── Operator control plane ────────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, safeMode, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Shared containment primitives ─────────────────────────────────────────
	cb := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	degradeCtl := degrade.New(degrade.Thresholds{
		SoftMin:      cfg.Degrade.SoftMin,
		HardMin:      cfg.Degrade.HardMin,
		EmergencyMin: cfg.Degrade.EmergencyMin,
	}, cfg.Degrade.StabilityWindow)
	adaptiveHook := adaptive.New(adaptive.Config{
		MinMultiplier:     cfg.Adaptive.MinMultiplier,
		MaxMultiplier:     cfg.Adaptive.MaxMultiplier,
		TightenTrigger:    cfg.Adaptive.TightenTrigger,
		TightenPct:        cfg.Adaptive.TightenPct,
		LoosenPct:         cfg.Adaptive.LoosenPct,
		MaxStepPct:        cfg.Adaptive.MaxStepPct,
		CooldownWindow:    cfg.Adaptive.CooldownWindow,
		Window:            cfg.Adaptive.Window,
		RecentWindow:      cfg.Adaptive.RecentWindow,
		SpikeFactor:       cfg.Adaptive.SpikeFactor,
		AnomalyTightenPct: cfg.Adaptive.AnomalyTightenPct,
		AnomalyWindow:     cfg.Adaptive.AnomalyWindow,
	})

	// ── Demo chain ─────────────────────────────────────────────────────────────
	g := graph.New("demo-chain", nil)
	pipeline := shield.New()
	chainCeiling := cfg.Execution.MaxCostUSD * adaptiveHook.EffectiveMultiplier()
	chainCtx, err := kernel.NewContext(ctx, kernel.ChainMetadata{
		ChainID:   "demo-chain",
		RequestID: "demo-request",
		Service:   cfg.NodeID,
	}, kernel.ExecutionConfig{
		MaxCostUSD:      chainCeiling,
		MaxSteps:        cfg.Execution.MaxSteps,
		MaxRetriesTotal: cfg.Execution.MaxRetriesTotal,
		TimeoutMs:       cfg.Execution.TimeoutMs,
	}, graph.NewAdapter(g), shield.NewAdapter(pipeline), cb, safeMode, nil)
	if err != nil {
		log.Fatal("demo chain construction failed", zap.Error(err))
	}

	// Event-feedback loop: drains SafetyEvents from the demo chain's graph,
	// feeds the degrade controller and adaptive hook, records metrics, and
	// optionally persists to the ledger.
	go feedbackLoop(ctx, g, chainCeiling, degradeCtl, adaptiveHook, metrics, ledger, "demo-chain", log)

	go runDemoChain(ctx, chainCtx, metrics, log)

	// ── SIGHUP hot-reload ──────────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload validated — new values take effect on restart",
				zap.Float64("new_max_cost_usd", newCfg.Execution.MaxCostUSD))
			// Nothing is swapped in at runtime: the chain, breaker, degrade
			// controller, adaptive hook and socket paths are all fixed at
			// construction, so changing them requires a restart.
			_ = newCfg
		}
	}()

	// ── Wait for shutdown signal ───────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	chainCtx.Finalize()

	if err := safeMode.Save(); err != nil {
		log.Error("safe_mode save on shutdown failed", zap.Error(err))
	}

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	<-shutdownTimer.C

	log.Info("containment kernel shutdown complete")
}

// runDemoChain drives a synthetic LLM call through chainCtx every two
// seconds, until shutdown or the first halt, so the wiring above has
// something to exercise end to end.
func runDemoChain(ctx context.Context, chainCtx *kernel.Context, metrics *observability.Metrics, log *zap.Logger) {
	llmCall := func(ctx context.Context) (kernel.CallResult, error) {
		cost := 0.02
		tokensIn, tokensOut := 120, 340
		return kernel.CallResult{CostUSD: &cost, TokensIn: &tokensIn, TokensOut: &tokensOut}, nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			decision, err := chainCtx.WrapLLMCall(ctx, llmCall, kernel.WrapOptions{
				OperationName: "llm/demo-model",
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("demo chain call halted", zap.String("decision", decision.String()), zap.Error(err))
				return
			}
		}
	}
}

// feedbackLoop periodically drains SafetyEvents from g and feeds them to
// the degrade controller and adaptive hook, recording the resulting
// adjustments as metrics. This is the application-layer wiring point for
// internal/degrade and internal/adaptive: both consume rolling event
// history rather than rendering a per-call inline opinion, so neither is
// a constructor argument of ExecutionContext itself.
func feedbackLoop(
	ctx context.Context,
	g *graph.Graph,
	maxCostUSD float64,
	degradeCtl *degrade.Controller,
	adaptiveHook *adaptive.Hook,
	metrics *observability.Metrics,
	ledger *safetyledger.Ledger,
	chainID string,
	log *zap.Logger,
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			events := g.Drain()
			for _, ev := range events {
				adaptiveHook.FeedEvent(now, ev.Decision)
				if ev.EventType == "divergence_suspected" {
					kind := "unknown"
					if ev.Signature != nil {
						kind, _, _ = strings.Cut(*ev.Signature, ":")
					}
					metrics.GraphDivergenceEventsTotal.WithLabelValues(kind).Inc()
				}
				if ledger != nil {
					if err := ledger.Append(chainID, "", ev); err != nil {
						log.Warn("ledger append failed", zap.Error(err))
					}
				}
			}

			agg := g.Aggregates()
			action := degradeCtl.Evaluate(now, degrade.Signals{
				CostUtilization: agg.TotalCostUSD / maxCostUSD,
				ErrorRate:       0,
				HaltRate:        0,
			})
			metrics.DegradeLevel.Set(float64(action.Level))

			adjustAction, _ := adaptiveHook.Adjust(now)
			metrics.AdaptiveMultiplier.Set(adaptiveHook.EffectiveMultiplier())
			metrics.AdaptiveAdjustmentsTotal.WithLabelValues(string(adjustAction)).Inc()
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
