// Package prometheus implements the runtime's metrics contract on
// Prometheus collectors and exposes the scrape handler.
package prometheus

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/switchboard/pkg/statemachine"
)

var (
	// DefaultRegistry is the process-wide Prometheus registry.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "switchboard"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics implements statemachine.Metrics plus the gateway's HTTP metrics.
type Metrics struct {
	MachinesLive       prometheus.Gauge
	MachinesCreated    prometheus.Counter
	MachinesRehydrated prometheus.Counter
	MachinesEvicted    *prometheus.CounterVec // kind: final, offline, manual

	Transitions      *prometheus.CounterVec // kind, type: go, stay
	IgnoredEvents    *prometheus.CounterVec // kind
	DroppedEvents    *prometheus.CounterVec // reason
	TransitionFaults *prometheus.CounterVec // kind
	TimeoutsFired    *prometheus.CounterVec // kind
	SlowHandlers     *prometheus.HistogramVec

	MailboxDepthGauge prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ statemachine.Metrics = (*Metrics)(nil)

// GetMetrics returns the process-wide metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers the switchboard collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	return &Metrics{
		MachinesLive: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_machines_live",
			Help: "Number of live state machines",
		}),
		MachinesCreated: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "switchboard_machines_created_total",
			Help: "Total number of machines created",
		}),
		MachinesRehydrated: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "switchboard_machines_rehydrated_total",
			Help: "Total number of machines rehydrated from persistence",
		}),
		MachinesEvicted: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_machines_evicted_total",
			Help: "Total number of machines evicted from the live set",
		}, []string{"kind"}),
		Transitions: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_transitions_total",
			Help: "Total number of completed transitions",
		}, []string{"machine_kind", "type"}),
		IgnoredEvents: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_events_ignored_total",
			Help: "Total number of events with no matching transition",
		}, []string{"machine_kind"}),
		DroppedEvents: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_events_dropped_total",
			Help: "Total number of events that could not be delivered",
		}, []string{"reason"}),
		TransitionFaults: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_transition_faults_total",
			Help: "Total number of handler or persistence faults",
		}, []string{"machine_kind"}),
		TimeoutsFired: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_timeouts_fired_total",
			Help: "Total number of state timeouts that caused a transition",
		}, []string{"machine_kind"}),
		SlowHandlers: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_slow_handler_seconds",
			Help:    "Duration of handlers that exceeded the slow threshold",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"machine_kind"}),
		MailboxDepthGauge: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_mailbox_depth",
			Help: "Depth of the most recently touched machine mailbox",
		}),
		HTTPRequestsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total number of gateway HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.With(registerer).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "Gateway HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) MachineCreated()            { m.MachinesCreated.Inc() }
func (m *Metrics) MachineRehydrated()         { m.MachinesRehydrated.Inc() }
func (m *Metrics) MachineEvicted(kind string) { m.MachinesEvicted.WithLabelValues(kind).Inc() }

func (m *Metrics) Transition(kind string) {
	m.Transitions.WithLabelValues(kind, "go").Inc()
}

func (m *Metrics) StayTransition(kind string) {
	m.Transitions.WithLabelValues(kind, "stay").Inc()
}

func (m *Metrics) IgnoredEvent(kind string)    { m.IgnoredEvents.WithLabelValues(kind).Inc() }
func (m *Metrics) DroppedEvent(reason string)  { m.DroppedEvents.WithLabelValues(reason).Inc() }
func (m *Metrics) TransitionFault(kind string) { m.TransitionFaults.WithLabelValues(kind).Inc() }
func (m *Metrics) TimeoutFired(kind string)    { m.TimeoutsFired.WithLabelValues(kind).Inc() }
func (m *Metrics) LiveMachines(n int)          { m.MachinesLive.Set(float64(n)) }
func (m *Metrics) MailboxDepth(n int)          { m.MailboxDepthGauge.Set(float64(n)) }

func (m *Metrics) SlowHandler(kind string, took time.Duration) {
	m.SlowHandlers.WithLabelValues(kind).Observe(took.Seconds())
}

// RecordHTTPRequest records one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// Handler returns the scrape handler for DefaultRegistry.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
