package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wavedeploy/wavedeploy/pkg/engine"
)

// Metrics collects Prometheus metrics for the deployment engine. It
// implements engine.MetricsRecorder.
type Metrics struct {
	registry *prometheus.Registry
	cfg      MetricsConfig

	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	phaseDuration        *prometheus.HistogramVec
	rollbackActions      *prometheus.CounterVec
	errorsTotal          *prometheus.CounterVec
	activeDeployments    prometheus.Gauge
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "wavedeploy"
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cfg:      cfg,
		deploymentsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "deployments_started_total",
			Help:      "Number of domain deployments started.",
		}, []string{"domain"}),
		deploymentsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "deployments_completed_total",
			Help:      "Number of domain deployments reaching a terminal status.",
		}, []string{"domain", "status"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of domain deployments.",
			Buckets:   cfg.DurationBuckets,
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of individual pipeline phases.",
			Buckets:   cfg.DurationBuckets,
		}, []string{"phase"}),
		rollbackActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "rollback_actions_total",
			Help:      "Number of rollback actions executed.",
		}, []string{"type", "outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "errors_total",
			Help:      "Number of classified orchestration errors.",
		}, []string{"class", "code"}),
	}

	m.activeDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "active_deployments",
		Help:      "Number of domain deployments currently in flight.",
	})

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.phaseDuration,
		m.rollbackActions,
		m.errorsTotal,
		m.activeDeployments,
	)
	return m
}

// DeploymentStarted records the start of a domain deployment.
func (m *Metrics) DeploymentStarted(domain string) {
	m.deploymentsStarted.WithLabelValues(domain).Inc()
	m.activeDeployments.Inc()
}

// DeploymentCompleted records a terminal deployment outcome.
func (m *Metrics) DeploymentCompleted(domain string, status engine.DomainStatus, duration float64) {
	m.deploymentsCompleted.WithLabelValues(domain, string(status)).Inc()
	m.deploymentDuration.WithLabelValues(string(status)).Observe(duration)
	m.activeDeployments.Dec()
}

// PhaseObserved records the duration of one pipeline phase.
func (m *Metrics) PhaseObserved(domain string, phase engine.Phase, duration float64) {
	m.phaseDuration.WithLabelValues(string(phase)).Observe(duration)
}

// RollbackActionExecuted records one rollback action outcome.
func (m *Metrics) RollbackActionExecuted(actionType engine.RollbackActionType, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.rollbackActions.WithLabelValues(string(actionType), outcome).Inc()
}

// ErrorRecorded counts a classified orchestration error.
func (m *Metrics) ErrorRecorded(class engine.ErrorClass, code string) {
	m.errorsTotal.WithLabelValues(string(class), code).Inc()
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics HTTP endpoint until the context is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.cfg.Enabled {
		return nil
	}
	path := m.cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              m.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.cfg.ListenAddress).Str("path", path).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

var _ engine.MetricsRecorder = (*Metrics)(nil)
