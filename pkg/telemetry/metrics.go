package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the command engine.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsSubmitted *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec

	// Orchestration metrics
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	continuations     *prometheus.CounterVec
	activeInstances   prometheus.Gauge

	// Activity metrics
	activityCalls    *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
	activityRetries  *prometheus.CounterVec

	// Lock metrics
	lockWait     prometheus.Histogram
	lockTimeouts prometheus.Counter

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Deployment metrics
	deployments *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Supervisor metrics
	eternalRestarts *prometheus.CounterVec

	registry *prometheus.Registry
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

		commandsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_submitted_total",
				Help:      "Total number of commands accepted",
			},
			[]string{"kind", "action"},
		),
		commandsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_completed_total",
				Help:      "Total number of commands that reached a terminal status",
			},
			[]string{"kind", "status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time from command acceptance to terminal status",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		instancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestrations_started_total",
				Help:      "Total number of orchestration instances started",
			},
			[]string{"workflow"},
		),
		instancesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestrations_finished_total",
				Help:      "Total number of orchestration instances finished",
			},
			[]string{"workflow", "status"},
		),
		continuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestration_continuations_total",
				Help:      "Total number of continue-as-new restarts",
			},
			[]string{"workflow"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orchestrations_active",
				Help:      "Current number of executing orchestration instances",
			},
		),

		activityCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_calls_total",
				Help:      "Total number of activity invocations",
			},
			[]string{"activity", "status"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activity_duration_seconds",
				Help:      "Duration of activity invocations including retries",
				Buckets:   buckets,
			},
			[]string{"activity"},
		),
		activityRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_retries_total",
				Help:      "Total number of activity retry attempts",
			},
			[]string{"activity"},
		),

		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting to acquire resource locks",
				Buckets:   buckets,
			},
		),
		lockTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Total number of lock acquisitions that timed out",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of deployments by final state",
			},
			[]string{"state"},
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

		eternalRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eternal_restarts_total",
				Help:      "Total number of eternal orchestrations (re)started by the supervisor",
			},
			[]string{"workflow"},
		),
	}

	registry.MustRegister(
		m.commandsSubmitted,
		m.commandsCompleted,
		m.commandDuration,
		m.instancesStarted,
		m.instancesFinished,
		m.continuations,
		m.activeInstances,
		m.activityCalls,
		m.activityDuration,
		m.activityRetries,
		m.lockWait,
		m.lockTimeouts,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.deployments,
		m.errorsByClass,
		m.errorsByCode,
		m.eternalRestarts,
	)

	return m, nil
}

// Command Metrics

// RecordCommandSubmitted increments the counter for accepted commands.
func (m *Metrics) RecordCommandSubmitted(kind, action string) {
	if m == nil || m.commandsSubmitted == nil {
		return
	}
	m.commandsSubmitted.WithLabelValues(kind, action).Inc()
}

// RecordCommandCompleted records a command reaching a terminal status.
func (m *Metrics) RecordCommandCompleted(kind, status string, duration time.Duration) {
	if m == nil || m.commandsCompleted == nil {
		return
	}
	m.commandsCompleted.WithLabelValues(kind, status).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Orchestration Metrics

// RecordInstanceStarted records an instance starting execution.
func (m *Metrics) RecordInstanceStarted(workflow string) {
	if m == nil || m.instancesStarted == nil {
		return
	}
	m.instancesStarted.WithLabelValues(workflow).Inc()
	m.activeInstances.Inc()
}

// RecordInstanceFinished records an instance leaving the executing set.
// An empty status means the instance was suspended rather than finished.
func (m *Metrics) RecordInstanceFinished(workflow, status string) {
	if m == nil || m.instancesFinished == nil {
		return
	}
	if status != "" {
		m.instancesFinished.WithLabelValues(workflow, status).Inc()
	}
	m.activeInstances.Dec()
}

// RecordContinueAsNew records a continue-as-new restart.
func (m *Metrics) RecordContinueAsNew(workflow string) {
	if m == nil || m.continuations == nil {
		return
	}
	m.continuations.WithLabelValues(workflow).Inc()
}

// Activity Metrics

// RecordActivity records an activity invocation with its final status.
func (m *Metrics) RecordActivity(activity, status string, duration time.Duration) {
	if m == nil || m.activityCalls == nil {
		return
	}
	m.activityCalls.WithLabelValues(activity, status).Inc()
	m.activityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// RecordActivityRetry records a retry attempt.
func (m *Metrics) RecordActivityRetry(activity string) {
	if m == nil || m.activityRetries == nil {
		return
	}
	m.activityRetries.WithLabelValues(activity).Inc()
}

// Lock Metrics

// RecordLockWait records the time spent acquiring a lock.
func (m *Metrics) RecordLockWait(duration time.Duration, timedOut bool) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
	if timedOut {
		m.lockTimeouts.Inc()
	}
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordDeployment records a deployment reaching a final state.
func (m *Metrics) RecordDeployment(state string) {
	if m == nil || m.deployments == nil {
		return
	}
	m.deployments.WithLabelValues(state).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordEternalRestart records the supervisor (re)starting an eternal workflow.
func (m *Metrics) RecordEternalRestart(workflow string) {
	if m == nil || m.eternalRestarts == nil {
		return
	}
	m.eternalRestarts.WithLabelValues(workflow).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts a dedicated HTTP listener for metrics when a
// listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
