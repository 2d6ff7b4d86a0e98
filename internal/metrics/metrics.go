// Package metrics provides Prometheus metrics for parley-gateway.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesAccepted counts messages the turn engine accepted, by type.
	MessagesAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "turn",
			Name:      "messages_accepted_total",
			Help:      "Total number of messages accepted by the turn engine",
		},
		[]string{"type"},
	)

	// MessagesRejected counts rejected submissions, by reason.
	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "turn",
			Name:      "messages_rejected_total",
			Help:      "Total number of submissions rejected by the turn engine",
		},
		[]string{"reason"},
	)

	// ThreadsCreated counts conversations opened under a connection.
	ThreadsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "threads",
			Name:      "created_total",
			Help:      "Total number of conversation threads created",
		},
		[]string{"kind"},
	)

	// ConnectionTransitions counts connection lifecycle changes.
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "connections",
			Name:      "transitions_total",
			Help:      "Total number of connection status transitions",
		},
		[]string{"to_status"},
	)

	// RealtimeChannels tracks currently open realtime channels.
	RealtimeChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "channels",
			Help:      "Number of currently open realtime channels",
		},
	)

	// FanoutEvents counts fan-out attempts per outcome (delivered, dropped, unavailable).
	FanoutEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "realtime",
			Name:      "fanout_events_total",
			Help:      "Total number of realtime fan-out attempts",
		},
		[]string{"event", "outcome"},
	)

	// NotifyAttempts counts notification deliveries per outcome.
	NotifyAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Total number of notification delivery attempts",
		},
		[]string{"outcome"},
	)

	// GateDecisions counts access gate answers.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total number of access gate decisions",
		},
		[]string{"result"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route", "status"},
	)
)

// RecordAccepted increments the accepted counter for a message type.
func RecordAccepted(msgType string) {
	MessagesAccepted.WithLabelValues(msgType).Inc()
}

// RecordRejected increments the rejected counter for a reason.
func RecordRejected(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordFanout records one fan-out attempt.
func RecordFanout(event, outcome string) {
	FanoutEvents.WithLabelValues(event, outcome).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Middleware records request duration labelled by the matched route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(req.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
