// Package observability — metrics.go
//
// Prometheus metrics for the containment kernel.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: kernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - chain_id and request_id are NEVER used as labels (unbounded cardinality).
//   - operation_name labels are bounded by the caller's own tool/model surface.
//   - decision and level labels use fixed small enums.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the containment kernel.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Budget ───────────────────────────────────────────────────────────────

	// BudgetCostUSDTotal counts cumulative USD charged, by chain scope
	// (root, child).
	// Labels: scope
	BudgetCostUSDTotal *prometheus.CounterVec

	// BudgetHaltsTotal counts BUDGET_EXCEEDED halts.
	// Labels: operation_name
	BudgetHaltsTotal *prometheus.CounterVec

	// ─── Circuit breaker ──────────────────────────────────────────────────────

	// CircuitState reports the current breaker state per entity as a gauge
	// (0=closed, 1=half_open, 2=open). Labels: entity_id
	CircuitState *prometheus.GaugeVec

	// CircuitOpensTotal counts transitions into the OPEN state.
	// Labels: entity_id
	CircuitOpensTotal *prometheus.CounterVec

	// ─── Degrade controller ───────────────────────────────────────────────────

	// DegradeLevel reports the current degrade level as a gauge
	// (0=normal, 1=soft, 2=hard, 3=emergency, 4=failed).
	DegradeLevel prometheus.Gauge

	// ─── Adaptive budget hook ─────────────────────────────────────────────────

	// AdaptiveMultiplier reports the current ceiling multiplier.
	AdaptiveMultiplier prometheus.Gauge

	// AdaptiveAdjustmentsTotal counts Adjust outcomes (tighten, loosen, hold,
	// cooldown_blocked, direction_locked).
	// Labels: action
	AdaptiveAdjustmentsTotal *prometheus.CounterVec

	// ─── Execution graph ──────────────────────────────────────────────────────

	// GraphDivergenceEventsTotal counts divergence_suspected safety events.
	// Labels: kind
	GraphDivergenceEventsTotal *prometheus.CounterVec

	// GraphNodesTotal counts nodes created in the execution graph.
	// Labels: kind, status
	GraphNodesTotal *prometheus.CounterVec

	// ─── Wrap call latency ────────────────────────────────────────────────────

	// WrapDurationSeconds records wrap_call latency end to end.
	// Labels: kind, decision
	WrapDurationSeconds *prometheus.HistogramVec

	// ─── Safe mode ────────────────────────────────────────────────────────────

	// SafeModeActive reports 1 when the process is in SAFE_MODE, else 0.
	SafeModeActive prometheus.Gauge

	// ─── Ledger ───────────────────────────────────────────────────────────────

	// LedgerWriteLatency records BoltDB write transaction latency.
	LedgerWriteLatency prometheus.Histogram

	// LedgerEntries is the current number of ledger entries.
	LedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since process start.
	UptimeSeconds prometheus.Gauge

	// startTime records when the process started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all containment kernel Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BudgetCostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "budget",
			Name:      "cost_usd_total",
			Help:      "Cumulative USD charged against chain budgets, by scope.",
		}, []string{"scope"}),

		BudgetHaltsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "budget",
			Name:      "halts_total",
			Help:      "Total BUDGET_EXCEEDED halts, by operation name.",
		}, []string{"operation_name"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Current circuit breaker state per entity (0=closed, 1=half_open, 2=open).",
		}, []string{"entity_id"}),

		CircuitOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "circuit",
			Name:      "opens_total",
			Help:      "Total transitions into the OPEN circuit state, by entity.",
		}, []string{"entity_id"}),

		DegradeLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "degrade",
			Name:      "level",
			Help:      "Current degrade level (0=normal, 1=soft, 2=hard, 3=emergency, 4=failed).",
		}),

		AdaptiveMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "adaptive",
			Name:      "multiplier",
			Help:      "Current adaptive ceiling multiplier applied to budget limits.",
		}),

		AdaptiveAdjustmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "adaptive",
			Name:      "adjustments_total",
			Help:      "Total adaptive budget adjustments, by action.",
		}, []string{"action"}),

		GraphDivergenceEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "graph",
			Name:      "divergence_events_total",
			Help:      "Total divergence_suspected safety events, by node kind.",
		}, []string{"kind"}),

		GraphNodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "graph",
			Name:      "nodes_total",
			Help:      "Total execution graph nodes created, by kind and terminal status.",
		}, []string{"kind", "status"}),

		WrapDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "wrap",
			Name:      "duration_seconds",
			Help:      "wrap_call latency end to end, by call kind and outcome decision.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "decision"}),

		SafeModeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "safemode",
			Name:      "active",
			Help:      "1 when the process is in SAFE_MODE, else 0.",
		}),

		LedgerWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "ledger",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "ledger",
			Name:      "entries",
			Help:      "Current number of safety event entries persisted in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.BudgetCostUSDTotal,
		m.BudgetHaltsTotal,
		m.CircuitState,
		m.CircuitOpensTotal,
		m.DegradeLevel,
		m.AdaptiveMultiplier,
		m.AdaptiveAdjustmentsTotal,
		m.GraphDivergenceEventsTotal,
		m.GraphNodesTotal,
		m.WrapDurationSeconds,
		m.SafeModeActive,
		m.LedgerWriteLatency,
		m.LedgerEntries,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
