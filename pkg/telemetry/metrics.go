package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
type Metrics struct {
	config MetricsConfig

	// Registry metrics
	pluginsRegistered *prometheus.GaugeVec
	actionsRegistered prometheus.Gauge
	registryErrors    *prometheus.CounterVec

	// Sequence metrics
	sequencesStarted    *prometheus.CounterVec
	sequencesTerminated *prometheus.CounterVec
	sequenceDuration    *prometheus.HistogramVec
	activeSequences     prometheus.Gauge

	// Invocation metrics
	invocations       *prometheus.CounterVec
	invocationLatency *prometheus.HistogramVec

	// Liveness metrics
	heartbeats        prometheus.Counter
	heartbeatTimeouts *prometheus.CounterVec
	deadlineTimeouts  *prometheus.CounterVec

	// Channel metrics
	channelEvictions *prometheus.CounterVec
	channelDepth     *prometheus.GaugeVec

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

		pluginsRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins",
				Help:      "Current number of registered plugins by liveness state",
			},
			[]string{"state"},
		),
		actionsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "actions",
				Help:      "Current number of registered actions",
			},
		),
		registryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_errors_total",
				Help:      "Total number of rejected registry operations",
			},
			[]string{"code"},
		),

		sequencesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequences_started_total",
				Help:      "Total number of mitigation sequences started",
			},
			[]string{"anomaly"},
		),
		sequencesTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sequences_terminated_total",
				Help:      "Total number of mitigation sequences terminated",
			},
			[]string{"state"},
		),
		sequenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sequence_duration_seconds",
				Help:      "Duration of mitigation sequences in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeSequences: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sequences",
				Help:      "Current number of running mitigation sequences",
			},
		),

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_invocations_total",
				Help:      "Total number of action invocations by outcome",
			},
			[]string{"action", "status"},
		),
		invocationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Total number of accepted heartbeats",
			},
		),
		heartbeatTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_timeouts_total",
				Help:      "Total number of instances timed out by missed heartbeats",
			},
			[]string{"action"},
		),
		deadlineTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deadline_timeouts_total",
				Help:      "Total number of instances timed out by their deadline",
			},
			[]string{"action"},
		),

		channelEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_evictions_total",
				Help:      "Total number of unread messages evicted by the queue depth bound",
			},
			[]string{"direction", "type"},
		),
		channelDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_depth",
				Help:      "Current number of queued messages",
			},
			[]string{"direction"},
		),
	}

	collectors := []prometheus.Collector{
		m.pluginsRegistered,
		m.actionsRegistered,
		m.registryErrors,
		m.sequencesStarted,
		m.sequencesTerminated,
		m.sequenceDuration,
		m.activeSequences,
		m.invocations,
		m.invocationLatency,
		m.heartbeats,
		m.heartbeatTimeouts,
		m.deadlineTimeouts,
		m.channelEvictions,
		m.channelDepth,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry Metrics

// SetPlugins sets the number of plugins in the given liveness state.
func (m *Metrics) SetPlugins(state string, count int) {
	if m == nil || m.pluginsRegistered == nil {
		return
	}
	m.pluginsRegistered.WithLabelValues(state).Set(float64(count))
}

// SetActions sets the number of registered actions.
func (m *Metrics) SetActions(count int) {
	if m == nil || m.actionsRegistered == nil {
		return
	}
	m.actionsRegistered.Set(float64(count))
}

// RecordRegistryError counts a rejected registry operation.
func (m *Metrics) RecordRegistryError(code string) {
	if m == nil || m.registryErrors == nil {
		return
	}
	m.registryErrors.WithLabelValues(code).Inc()
}

// Sequence Metrics

// RecordSequenceStart records the start of a sequence.
func (m *Metrics) RecordSequenceStart(anomaly string) {
	if m == nil || m.sequencesStarted == nil {
		return
	}
	m.sequencesStarted.WithLabelValues(anomaly).Inc()
	m.activeSequences.Inc()
}

// RecordSequenceEnd records a sequence reaching a terminal state.
func (m *Metrics) RecordSequenceEnd(state string, duration time.Duration) {
	if m == nil || m.sequencesTerminated == nil {
		return
	}
	m.sequencesTerminated.WithLabelValues(state).Inc()
	m.sequenceDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeSequences.Dec()
}

// Invocation Metrics

// RecordInvocation records the outcome of one action instance.
func (m *Metrics) RecordInvocation(action, status string, duration time.Duration) {
	if m == nil || m.invocations == nil {
		return
	}
	m.invocations.WithLabelValues(action, status).Inc()
	m.invocationLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// Liveness Metrics

// RecordHeartbeat counts an accepted heartbeat.
func (m *Metrics) RecordHeartbeat() {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Inc()
}

// RecordHeartbeatTimeout counts an instance lost to missed heartbeats.
func (m *Metrics) RecordHeartbeatTimeout(action string) {
	if m == nil || m.heartbeatTimeouts == nil {
		return
	}
	m.heartbeatTimeouts.WithLabelValues(action).Inc()
}

// RecordDeadlineTimeout counts an instance that overran its deadline.
func (m *Metrics) RecordDeadlineTimeout(action string) {
	if m == nil || m.deadlineTimeouts == nil {
		return
	}
	m.deadlineTimeouts.WithLabelValues(action).Inc()
}

// Channel Metrics

// RecordEviction counts a message dropped by the queue depth bound.
func (m *Metrics) RecordEviction(direction, msgType string) {
	if m == nil || m.channelEvictions == nil {
		return
	}
	m.channelEvictions.WithLabelValues(direction, msgType).Inc()
}

// SetChannelDepth sets the number of queued messages in one direction.
func (m *Metrics) SetChannelDepth(direction string, depth int) {
	if m == nil || m.channelDepth == nil {
		return
	}
	m.channelDepth.WithLabelValues(direction).Set(float64(depth))
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
