// Package metrics exposes Prometheus counters for the funnel and its sinks.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	funnelSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_funnel_steps_total",
			Help: "Funnel events by name",
		},
		[]string{"event"},
	)

	leadsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_leads_completed_total",
			Help: "Completed funnels by segment",
		},
		[]string{"segment"},
	)

	sinkOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_sink_outcomes_total",
			Help: "Lead sink calls by sink and outcome kind",
		},
		[]string{"sink", "kind"},
	)

	sinkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_sink_duration_seconds",
			Help:    "Lead sink call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	reminders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_reminders_total",
			Help: "Fired reminders by class and result (sent or suppressed)",
		},
		[]string{"class", "result"},
	)

	eventLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_eventlog_dropped_total",
			Help: "Analytics records dropped because the writer queue was full",
		},
	)

	transportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_transport_errors_total",
			Help: "Failed outbound chat operations",
		},
		[]string{"op"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_active_dispatch",
			Help: "Users with an action in flight",
		},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Liveness server requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordStep counts one funnel event.
func RecordStep(event string) {
	funnelSteps.WithLabelValues(event).Inc()
}

// RecordLead counts one completed funnel.
func RecordLead(segment string) {
	leadsCompleted.WithLabelValues(segment).Inc()
}

// RecordSink counts a sink outcome and observes its duration.
func RecordSink(sink, kind string, d time.Duration) {
	sinkOutcomes.WithLabelValues(sink, kind).Inc()
	sinkDuration.WithLabelValues(sink).Observe(d.Seconds())
}

// RecordReminder counts a fired reminder. sent is false when the re-check suppressed it.
func RecordReminder(class string, sent bool) {
	result := "suppressed"
	if sent {
		result = "sent"
	}
	reminders.WithLabelValues(class, result).Inc()
}

// RecordDropped counts one analytics record dropped on a full queue.
func RecordDropped() {
	eventLogDropped.Inc()
}

// RecordTransportError counts a failed outbound chat operation.
func RecordTransportError(op string) {
	transportErrors.WithLabelValues(op).Inc()
}

// SetActive reports the number of users with an action in flight.
func SetActive(n int) {
	activeSessions.Set(float64(n))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests to the liveness server.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
	})
}
