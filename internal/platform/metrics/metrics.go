// Package metrics owns the Prometheus collectors exported by embers.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests and tools.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "embers"

// Metrics is one isolated registry plus the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	connections     prometheus.Gauge
	authFailures    *prometheus.CounterVec
	framesPublished *prometheus.CounterVec
	framesDropped   prometheus.Counter

	interactions   prometheus.Counter
	daysCredited   prometheus.Counter
	milestones     *prometheus.CounterVec
	breaks         prometheus.Counter
	writeConflicts prometheus.Counter

	sweepRuns     *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepWarnings prometheus.Counter

	notifications *prometheus.CounterVec
}

// New builds a registry with process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "connections",
			Help: "Currently open realtime connections.",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "auth_failures_total",
			Help: "Rejected realtime handshakes by reason.",
		}, []string{"reason"}),
		framesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "frames_published_total",
			Help: "Frames enqueued for delivery by event.",
		}, []string{"event"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "frames_dropped_total",
			Help: "Frames dropped because a connection queue was full or closed.",
		}),
		interactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streak", Name: "interactions_total",
			Help: "Interactions recorded.",
		}),
		daysCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streak", Name: "days_credited_total",
			Help: "Streak days credited.",
		}),
		milestones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streak", Name: "milestones_total",
			Help: "Milestones reached by day count.",
		}, []string{"days"}),
		breaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streak", Name: "breaks_total",
			Help: "Streaks reset after the break window elapsed.",
		}),
		writeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "streak", Name: "write_conflicts_total",
			Help: "Optimistic write conflicts retried.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "runs_total",
			Help: "Warning sweep runs by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "duration_seconds",
			Help:    "Duration of warning sweep runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		sweepWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "warnings_total",
			Help: "Warnings handed to the notifier by the sweep.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifications", Name: "decisions_total",
			Help: "Push notification decisions by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.connections, m.authFailures, m.framesPublished, m.framesDropped,
		m.interactions, m.daysCredited, m.milestones, m.breaks, m.writeConflicts,
		m.sweepRuns, m.sweepDuration, m.sweepWarnings,
		m.notifications,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request count and latency collection
// labelled by route.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) AuthFailure(reason string) {
	if m != nil {
		m.authFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FramePublished(event string) {
	if m != nil {
		m.framesPublished.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) InteractionRecorded() {
	if m != nil {
		m.interactions.Inc()
	}
}

func (m *Metrics) DayCredited() {
	if m != nil {
		m.daysCredited.Inc()
	}
}

func (m *Metrics) MilestoneReached(days int) {
	if m != nil {
		m.milestones.WithLabelValues(strconv.Itoa(days)).Inc()
	}
}

func (m *Metrics) StreakBroken() {
	if m != nil {
		m.breaks.Inc()
	}
}

func (m *Metrics) WriteConflict() {
	if m != nil {
		m.writeConflicts.Inc()
	}
}

// SweepFinished records one sweep run. outcome is "ok", "partial", "error"
// or "skipped".
func (m *Metrics) SweepFinished(outcome string, elapsed time.Duration, warned int) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.sweepDuration.Observe(elapsed.Seconds())
	}
	m.sweepWarnings.Add(float64(warned))
}

// Notification records a dispatcher decision such as "sent", "deduped",
// "partner_active" or "rejected".
func (m *Metrics) Notification(messageType, outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(messageType, outcome).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through to the wrapped writer so websocket upgrades keep
// working behind the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
