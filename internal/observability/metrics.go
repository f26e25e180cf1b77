// Package observability — metrics.go
//
// Prometheus metrics for the golem-worker-executor node process.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: golem_worker_executor_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - WorkerId is NOT used as a label (unbounded cardinality, one series
//     per worker would never be garbage collected).
//   - State/kind labels use small fixed label sets (lifecycle states,
//     exit reasons, retry decisions).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for this node.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Oplog ────────────────────────────────────────────────────────────

	// OplogAppendLatency records Oplog.Append call latency.
	OplogAppendLatency prometheus.Histogram

	// OplogCommitLatency records Oplog.Commit call latency, by durability
	// level (DurableOnly, Always).
	OplogCommitLatency *prometheus.HistogramVec

	// OplogEntriesAppendedTotal counts entries appended, by OplogEntryKind
	// name.
	OplogEntriesAppendedTotal *prometheus.CounterVec

	// ─── Invocation queue ─────────────────────────────────────────────────

	// QueueDepth is the current InvocationQueue depth, summed across every
	// worker loaded on this node.
	QueueDepth prometheus.Gauge

	// ─── Admission control ────────────────────────────────────────────────

	// AdmissionPermitsInUse is the current number of memory_estimate units
	// reserved out of the configured budget.
	AdmissionPermitsInUse prometheus.Gauge

	// AdmissionBudgetBytes is the AdmissionController's total configured
	// budget, exposed so permits-in-use can be read as a fraction.
	AdmissionBudgetBytes prometheus.Gauge

	// AdmissionWaitLatency records how long a get_or_create_running call
	// spent blocked in AdmissionController.acquire.
	AdmissionWaitLatency prometheus.Histogram

	// ─── Invocation loop ──────────────────────────────────────────────────

	// LoopExitsTotal counts InvocationLoop exits, by ExitReason name.
	LoopExitsTotal *prometheus.CounterVec

	// InvocationsTotal counts completed External invocations, by outcome
	// (completed, error, interrupted, exited).
	InvocationsTotal *prometheus.CounterVec

	// RetryDecisionsTotal counts retry policy decisions after a trap, by
	// Decision name (Immediate, Delayed, ReacquirePermits, None).
	RetryDecisionsTotal *prometheus.CounterVec

	// ─── Idempotency ──────────────────────────────────────────────────────

	// IdempotencyLookupsTotal counts IdempotencyRegistry.Lookup calls, by
	// LookupStatus name (New, Pending, Complete, Interrupted).
	IdempotencyLookupsTotal *prometheus.CounterVec

	// ─── Status determinism guard ─────────────────────────────────────────

	// StatusDriftTotal counts a status.Guard recompute-from-scratch
	// disagreeing with the incrementally folded record (
	// Testable Property 1 violated in production).
	StatusDriftTotal prometheus.Counter

	// ─── Node ──────────────────────────────────────────────────────────────

	// WorkersLoaded is the current number of WorkerId this node's
	// executor.Registry has ever touched.
	WorkersLoaded prometheus.Gauge

	// UptimeSeconds is the number of seconds since the process started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all golem-worker-executor Prometheus
// metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		OplogAppendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "oplog",
			Name:      "append_latency_seconds",
			Help:      "Latency of Oplog.Append calls.",
			Buckets:   prometheus.DefBuckets,
		}),

		OplogCommitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "oplog",
			Name:      "commit_latency_seconds",
			Help:      "Latency of Oplog.Commit calls, by durability level.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"durability"}),

		OplogEntriesAppendedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "oplog",
			Name:      "entries_appended_total",
			Help:      "Total oplog entries appended, by entry kind.",
		}, []string{"kind"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current InvocationQueue depth, summed across every loaded worker.",
		}),

		AdmissionPermitsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "admission",
			Name:      "permits_in_use",
			Help:      "Current memory_estimate units reserved out of the configured budget.",
		}),

		AdmissionBudgetBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "admission",
			Name:      "budget_bytes",
			Help:      "Total configured AdmissionController budget.",
		}),

		AdmissionWaitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "admission",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent blocked in AdmissionController.acquire.",
			Buckets:   prometheus.DefBuckets,
		}),

		LoopExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "loop",
			Name:      "exits_total",
			Help:      "Total InvocationLoop exits, by exit reason.",
		}, []string{"reason"}),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "loop",
			Name:      "invocations_total",
			Help:      "Total completed External invocations, by outcome.",
		}, []string{"outcome"}),

		RetryDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "loop",
			Name:      "retry_decisions_total",
			Help:      "Total retry policy decisions after a trap, by decision.",
		}, []string{"decision"}),

		IdempotencyLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "idempotency",
			Name:      "lookups_total",
			Help:      "Total IdempotencyRegistry lookups, by result status.",
		}, []string{"status"}),

		StatusDriftTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "status",
			Name:      "drift_total",
			Help:      "Total times the determinism guard caught an incremental/recomputed status record mismatch.",
		}),

		WorkersLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "node",
			Name:      "workers_loaded",
			Help:      "Number of WorkerId this node's registry has touched.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golem_worker_executor",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.OplogAppendLatency,
		m.OplogCommitLatency,
		m.OplogEntriesAppendedTotal,
		m.QueueDepth,
		m.AdmissionPermitsInUse,
		m.AdmissionBudgetBytes,
		m.AdmissionWaitLatency,
		m.LoopExitsTotal,
		m.InvocationsTotal,
		m.RetryDecisionsTotal,
		m.IdempotencyLookupsTotal,
		m.StatusDriftTotal,
		m.WorkersLoaded,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. The server
// binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics and GET
// /healthz.
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
