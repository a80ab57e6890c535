package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the status service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	pollsTotal            *prometheus.CounterVec
	pollFailuresTotal     *prometheus.CounterVec
	controlActionsTotal   *prometheus.CounterVec
	templateFailuresTotal prometheus.Counter
	eventsTotal           prometheus.Counter
	keepalivesTotal       prometheus.Counter
	managedStreams        prometheus.Gauge
	openEventStreams      prometheus.Gauge
	viewers               *prometheus.GaugeVec
	registered            *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharedcam_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharedcam_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharedcam_polls_total",
			Help: "Total number of relay polls per stream",
		}, []string{"stream"}),
		pollFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharedcam_poll_failures_total",
			Help: "Total number of failed relay polls per stream",
		}, []string{"stream"}),
		controlActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sharedcam_control_actions_total",
			Help: "Enable and disable actions by outcome",
		}, []string{"action", "result"}),
		templateFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharedcam_template_failures_total",
			Help: "Total number of status template render failures",
		}),
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharedcam_events_total",
			Help: "Total number of status events written to event streams",
		}),
		keepalivesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sharedcam_keepalives_total",
			Help: "Total number of keepalive frames written to event streams",
		}),
		managedStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sharedcam_managed_streams",
			Help: "Number of streams with a running coordinator",
		}),
		openEventStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sharedcam_open_event_streams",
			Help: "Number of connected event stream observers",
		}),
		viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sharedcam_stream_viewers",
			Help: "Active viewers reported by the relay per stream",
		}, []string{"stream"}),
		registered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sharedcam_stream_registered",
			Help: "1 when the stream is registered on the relay",
		}, []string{"stream"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pollsTotal,
		m.pollFailuresTotal,
		m.controlActionsTotal,
		m.templateFailuresTotal,
		m.eventsTotal,
		m.keepalivesTotal,
		m.managedStreams,
		m.openEventStreams,
		m.viewers,
		m.registered,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObservePoll counts one poll of stream, and a failure when err is non-nil.
func (m *Metrics) ObservePoll(stream string, err error) {
	if m == nil {
		return
	}
	m.pollsTotal.WithLabelValues(stream).Inc()
	if err != nil {
		m.pollFailuresTotal.WithLabelValues(stream).Inc()
	}
}

// ObserveControlAction counts an enable or disable action by outcome.
func (m *Metrics) ObserveControlAction(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.controlActionsTotal.WithLabelValues(action, result).Inc()
}

// IncTemplateFailures increments the template failure counter.
func (m *Metrics) IncTemplateFailures() {
	if m == nil {
		return
	}
	m.templateFailuresTotal.Inc()
}

// IncEvents increments the emitted status events counter.
func (m *Metrics) IncEvents() {
	if m == nil {
		return
	}
	m.eventsTotal.Inc()
}

// IncKeepalives increments the keepalive frame counter.
func (m *Metrics) IncKeepalives() {
	if m == nil {
		return
	}
	m.keepalivesTotal.Inc()
}

// EventStreamOpened increments the open event streams gauge.
func (m *Metrics) EventStreamOpened() {
	if m == nil {
		return
	}
	m.openEventStreams.Inc()
}

// EventStreamClosed decrements the open event streams gauge.
func (m *Metrics) EventStreamClosed() {
	if m == nil {
		return
	}
	m.openEventStreams.Dec()
}

// SetManagedStreams sets the managed streams gauge.
func (m *Metrics) SetManagedStreams(n int) {
	if m == nil {
		return
	}
	m.managedStreams.Set(float64(n))
}

// SetStreamState records the reconciled state of one stream.
func (m *Metrics) SetStreamState(stream string, registered bool, viewers int) {
	if m == nil {
		return
	}
	r := 0.0
	if registered {
		r = 1
	}
	m.registered.WithLabelValues(stream).Set(r)
	m.viewers.WithLabelValues(stream).Set(float64(viewers))
}

// ForgetStream drops the per-stream series of a stream that was torn down.
func (m *Metrics) ForgetStream(stream string) {
	if m == nil {
		return
	}
	m.registered.DeleteLabelValues(stream)
	m.viewers.DeleteLabelValues(stream)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. managed streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
