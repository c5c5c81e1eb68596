package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the planning engine.
// Every recording method is safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksSubmitted *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	// Oracle metrics
	oracleCalls    *prometheus.CounterVec
	oracleDuration *prometheus.HistogramVec
	planFallbacks  *prometheus.CounterVec

	// Adaptation metrics
	replans     prometheus.Counter
	debugPasses *prometheus.CounterVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Queue metrics
	activeTasks prometheus.Gauge
	queuedTasks prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks submitted",
			},
			[]string{"priority"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks that reached a final status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"capability", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"capability"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retry attempts",
			},
			[]string{"capability"},
		),

		oracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_calls_total",
				Help:      "Total number of oracle calls",
			},
			[]string{"oracle", "kind", "status"},
		),
		oracleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_call_duration_seconds",
				Help:      "Duration of oracle calls in seconds",
				Buckets:   buckets,
			},
			[]string{"oracle", "kind"},
		),
		planFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_fallbacks_total",
				Help:      "Total number of plans built by the keyword fallback",
			},
			[]string{"capability"},
		),

		replans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replans_total",
				Help:      "Total number of adaptive replans",
			},
		),
		debugPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "debug_passes_total",
				Help:      "Total number of debug passes by outcome",
			},
			[]string{"outcome"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of steps rejected by policy",
			},
			[]string{"policy"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of tasks planning or executing",
			},
		),
		queuedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tasks",
				Help:      "Current number of queued tasks",
			},
		),
	}

	registry.MustRegister(
		m.tasksSubmitted,
		m.tasksCompleted,
		m.taskDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.oracleCalls,
		m.oracleDuration,
		m.planFallbacks,
		m.replans,
		m.debugPasses,
		m.policyDenials,
		m.errorsByClass,
		m.errorsByCode,
		m.activeTasks,
		m.queuedTasks,
	)

	return m, nil
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Task Metrics

// RecordTaskSubmitted increments the counter for submitted tasks.
func (m *Metrics) RecordTaskSubmitted(priority int) {
	if m == nil || m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(fmt.Sprintf("%d", priority)).Inc()
}

// RecordTaskFinished records a task reaching a final status.
func (m *Metrics) RecordTaskFinished(status string, duration time.Duration) {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Step Metrics

// RecordStepExecution records the final outcome of a step.
func (m *Metrics) RecordStepExecution(capability, status string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(capability, status).Inc()
	m.stepDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordStepRetry records one retry of a step.
func (m *Metrics) RecordStepRetry(capability string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(capability).Inc()
}

// Oracle Metrics

// RecordOracleCall records an oracle call with its duration.
func (m *Metrics) RecordOracleCall(oracle, kind, status string, duration time.Duration) {
	if m == nil || m.oracleCalls == nil {
		return
	}
	m.oracleCalls.WithLabelValues(oracle, kind, status).Inc()
	m.oracleDuration.WithLabelValues(oracle, kind).Observe(duration.Seconds())
}

// RecordPlanFallback records a plan built without the reasoning oracle.
func (m *Metrics) RecordPlanFallback(capability string) {
	if m == nil || m.planFallbacks == nil {
		return
	}
	m.planFallbacks.WithLabelValues(capability).Inc()
}

// Adaptation Metrics

// RecordReplan records an adaptive replan.
func (m *Metrics) RecordReplan() {
	if m == nil || m.replans == nil {
		return
	}
	m.replans.Inc()
}

// RecordDebugPass records a debug pass and whether it rescued the task.
func (m *Metrics) RecordDebugPass(outcome string) {
	if m == nil || m.debugPasses == nil {
		return
	}
	m.debugPasses.WithLabelValues(outcome).Inc()
}

// RecordPolicyDenial records a step rejected by a policy.
func (m *Metrics) RecordPolicyDenial(policy string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(policy).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Queue Metrics

// SetActiveTasks sets the current number of active tasks.
func (m *Metrics) SetActiveTasks(count int) {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Set(float64(count))
}

// SetQueuedTasks sets the current number of queued tasks.
func (m *Metrics) SetQueuedTasks(count int) {
	if m == nil || m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Set(float64(count))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the listen address and serves metrics in the
// background. Bind errors are returned; later serve errors are dropped.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() { _ = m.server.Serve(ln) }()
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
