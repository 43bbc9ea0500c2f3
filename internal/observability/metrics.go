// Package observability — metrics.go
//
// Prometheus metrics for the rangzen-agent daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: rangzen_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for rangzen-agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Exchange ─────────────────────────────────────────────────────────────

	// ExchangesAttemptedTotal counts exchange sessions opened, by role
	// (initiator, responder).
	ExchangesAttemptedTotal *prometheus.CounterVec

	// ExchangesSucceededTotal counts exchange sessions that completed
	// without error, by outcome (messages_received, empty).
	ExchangesSucceededTotal *prometheus.CounterVec

	// ExchangesFailedTotal counts exchange sessions that failed, by
	// error kind (transport_error, timeout, protocol_error, ...).
	ExchangesFailedTotal *prometheus.CounterVec

	// PSICardinalityHistogram records the distribution of computed PSI
	// common-friends counts.
	PSICardinalityHistogram prometheus.Histogram

	// MessagesPropagatedTotal counts messages newly integrated into the
	// local store from a peer during message-phase exchange.
	MessagesPropagatedTotal prometheus.Counter

	// ─── Store ────────────────────────────────────────────────────────────────

	// StoreSize is the current number of non-expired messages held.
	StoreSize prometheus.Gauge

	// StoreWriteLatency records bbolt write transaction latency.
	StoreWriteLatency prometheus.Histogram

	// ─── Scheduler ────────────────────────────────────────────────────────────

	// SchedulerBackoffSeconds records the computed backoff wait per
	// gated exchange attempt.
	SchedulerBackoffSeconds prometheus.Histogram

	// SchedulerTicksTotal counts scheduler loop iterations.
	SchedulerTicksTotal prometheus.Counter

	// ─── Peer registry ────────────────────────────────────────────────────────

	// PeerRegistrySize is the current number of tracked peers.
	PeerRegistrySize prometheus.Gauge

	// ReachablePeers is the current number of peers with at least one
	// live transport.
	ReachablePeers prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all rangzen-agent Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ExchangesAttemptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangzen",
			Subsystem: "exchange",
			Name:      "attempted_total",
			Help:      "Total exchange sessions opened, by role.",
		}, []string{"role"}),

		ExchangesSucceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangzen",
			Subsystem: "exchange",
			Name:      "succeeded_total",
			Help:      "Total exchange sessions that completed without error, by outcome.",
		}, []string{"outcome"}),

		ExchangesFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rangzen",
			Subsystem: "exchange",
			Name:      "failed_total",
			Help:      "Total exchange sessions that failed, by error kind.",
		}, []string{"kind"}),

		PSICardinalityHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rangzen",
			Subsystem: "psi",
			Name:      "cardinality",
			Help:      "Distribution of computed PSI common-friends counts.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		}),

		MessagesPropagatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rangzen",
			Subsystem: "exchange",
			Name:      "messages_propagated_total",
			Help:      "Total messages newly integrated into the local store from a peer.",
		}),

		StoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangzen",
			Subsystem: "store",
			Name:      "size",
			Help:      "Current number of non-expired messages held.",
		}),

		StoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rangzen",
			Subsystem: "store",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		SchedulerBackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rangzen",
			Subsystem: "scheduler",
			Name:      "backoff_seconds",
			Help:      "Computed backoff wait per gated scheduling attempt.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		SchedulerTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rangzen",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total scheduler loop iterations.",
		}),

		PeerRegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangzen",
			Subsystem: "peer",
			Name:      "registry_size",
			Help:      "Current number of tracked peers.",
		}),

		ReachablePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangzen",
			Subsystem: "peer",
			Name:      "reachable",
			Help:      "Current number of peers with at least one live transport.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rangzen",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.ExchangesAttemptedTotal,
		m.ExchangesSucceededTotal,
		m.ExchangesFailedTotal,
		m.PSICardinalityHistogram,
		m.MessagesPropagatedTotal,
		m.StoreSize,
		m.StoreWriteLatency,
		m.SchedulerBackoffSeconds,
		m.SchedulerTicksTotal,
		m.PeerRegistrySize,
		m.ReachablePeers,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ObservePSICardinality records one computed PSI cardinality.
func (m *Metrics) ObservePSICardinality(n int) {
	m.PSICardinalityHistogram.Observe(float64(n))
}

// ObserveExchangeAttempt increments the attempted counter for role.
func (m *Metrics) ObserveExchangeAttempt(role string) {
	m.ExchangesAttemptedTotal.WithLabelValues(role).Inc()
}

// ObserveExchangeSucceeded increments the succeeded counter for outcome.
func (m *Metrics) ObserveExchangeSucceeded(outcome string) {
	m.ExchangesSucceededTotal.WithLabelValues(outcome).Inc()
}

// ObserveExchangeFailed increments the failed counter for the given
// error kind string (see exchange.Kind.String()).
func (m *Metrics) ObserveExchangeFailed(kind string) {
	m.ExchangesFailedTotal.WithLabelValues(kind).Inc()
}

// ObserveBackoff records a computed backoff duration.
func (m *Metrics) ObserveBackoff(d time.Duration) {
	m.SchedulerBackoffSeconds.Observe(d.Seconds())
}

// ObserveStoreWrite records a bbolt write transaction latency.
func (m *Metrics) ObserveStoreWrite(d time.Duration) {
	m.StoreWriteLatency.Observe(d.Seconds())
}

// SetStoreSize sets the current message-store gauge.
func (m *Metrics) SetStoreSize(n int) {
	m.StoreSize.Set(float64(n))
}

// SetPeerCounts sets the registry-size and reachable-peers gauges.
func (m *Metrics) SetPeerCounts(total, reachable int) {
	m.PeerRegistrySize.Set(float64(total))
	m.ReachablePeers.Set(float64(reachable))
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

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
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

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
