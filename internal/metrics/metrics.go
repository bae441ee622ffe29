// Package metrics exposes Prometheus collectors for the chimera node and
// an optional HTTP listener serving them. A nil *Metrics is a valid no-op
// receiver so components can be wired with metrics disabled.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all node collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished   *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	ActiveSubscribers prometheus.Gauge
	ToolExecutions    *prometheus.CounterVec
	ToolLatency       *prometheus.HistogramVec
	LearningRounds    *prometheus.CounterVec
	HealthyNodes      prometheus.Gauge
	BackupsTaken      prometheus.Counter
	StoreMetricDrops  prometheus.Counter
}

// New builds a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to the broker by type.",
		}, []string{"type"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped from slow subscriber queues.",
		}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chimera",
			Subsystem: "events",
			Name:      "active_subscribers",
			Help:      "Current broker subscriber count.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "tools",
			Name:      "executions_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chimera",
			Subsystem: "tools",
			Name:      "latency_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		LearningRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "metacog",
			Name:      "learning_rounds_total",
			Help:      "Learning rounds started by topic.",
		}, []string{"topic"}),
		HealthyNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chimera",
			Subsystem: "nodes",
			Name:      "healthy",
			Help:      "Worker nodes currently healthy.",
		}),
		BackupsTaken: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "store",
			Name:      "backups_total",
			Help:      "Database snapshots taken.",
		}),
		StoreMetricDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chimera",
			Subsystem: "store",
			Name:      "metric_drops_total",
			Help:      "Tool metric events dropped from the write queue.",
		}),
	}
}

// EventPublished records a broker publish.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped records a subscriber queue drop.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// SetActiveSubscribers records the current subscriber count.
func (m *Metrics) SetActiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscribers.Set(float64(n))
}

// ToolExecuted records one tool execution and its latency.
func (m *Metrics) ToolExecuted(tool, outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(latencySeconds)
}

// LearningRoundStarted records a learning round for a topic.
func (m *Metrics) LearningRoundStarted(topic string) {
	if m == nil {
		return
	}
	m.LearningRounds.WithLabelValues(topic).Inc()
}

// SetHealthyNodes records the healthy node count.
func (m *Metrics) SetHealthyNodes(n int) {
	if m == nil {
		return
	}
	m.HealthyNodes.Set(float64(n))
}

// BackupTaken records a completed snapshot.
func (m *Metrics) BackupTaken() {
	if m == nil {
		return
	}
	m.BackupsTaken.Inc()
}

// StoreMetricDropped records a dropped tool metric event.
func (m *Metrics) StoreMetricDropped() {
	if m == nil {
		return
	}
	m.StoreMetricDrops.Inc()
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics listener until ctx is cancelled. Returns the
// listener error on startup failure.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
