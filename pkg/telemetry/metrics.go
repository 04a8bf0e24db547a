package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for deployment runs. It implements
// engine.MetricsRecorder. A disabled Metrics ignores every call.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Load balancer metrics
	lbCalls *prometheus.CounterVec

	// Predicate metrics
	predicateEvaluations *prometheus.CounterVec

	// Server metrics
	activeServers prometheus.Gauge

	// Policy metrics
	policyEvaluations *prometheus.CounterVec
	policyViolations  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of sequence nodes finished, by kind and status",
			},
			[]string{"kind", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of sequence node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		lbCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_balancer_calls_total",
				Help:      "Total number of load balancer suspend and resume calls",
			},
			[]string{"action", "mode", "result"},
		),

		predicateEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predicate_evaluations_total",
				Help:      "Total number of conditional predicate evaluations by result",
			},
			[]string{"result"},
		),

		activeServers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_servers",
				Help:      "Current number of servers being deployed",
			},
		),

		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy admission checks by outcome",
			},
			[]string{"allowed"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodesExecuted,
		m.nodeDuration,
		m.lbCalls,
		m.predicateEvaluations,
		m.activeServers,
		m.policyEvaluations,
		m.policyViolations,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNodeExecution records a finished sequence node.
func (m *Metrics) RecordNodeExecution(kind, status string, duration time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		m.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordLoadBalancerCall records a suspend or resume attempt.
func (m *Metrics) RecordLoadBalancerCall(action, mode string, failed bool) {
	if m.lbCalls == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.lbCalls.WithLabelValues(action, mode, result).Inc()
}

// RecordPredicateEvaluation records a predicate result: true, false or error.
func (m *Metrics) RecordPredicateEvaluation(result string) {
	if m.predicateEvaluations == nil {
		return
	}
	m.predicateEvaluations.WithLabelValues(result).Inc()
}

// RecordServerActive adjusts the number of servers currently deploying.
func (m *Metrics) RecordServerActive(delta float64) {
	if m.activeServers == nil {
		return
	}
	m.activeServers.Add(delta)
}

// RecordPolicyEvaluation records one admission check and its violations.
// violations maps policy name to violation severity.
func (m *Metrics) RecordPolicyEvaluation(allowed bool, violations map[string]string) {
	if m.policyEvaluations == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(strconv.FormatBool(allowed)).Inc()
	for policy, severity := range violations {
		m.policyViolations.WithLabelValues(policy, severity).Inc()
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Router returns a chi router serving the metrics path and /healthz.
func (m *Metrics) Router() http.Handler {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, path, m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// MetricsServer is a running metrics HTTP server.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// StartMetricsServer listens on addr and serves Router in the background.
// Listen errors are returned immediately.
func (m *Metrics) StartMetricsServer(addr string, logger zerolog.Logger) (*MetricsServer, error) {
	if !m.config.Enabled {
		return nil, fmt.Errorf("metrics are disabled")
	}
	if addr == "" {
		addr = m.config.ListenAddress
	}
	if addr == "" {
		return nil, fmt.Errorf("metrics listen address is required")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &MetricsServer{
		server: &http.Server{
			Handler:           m.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server and waits for it to exit.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
