package metrics

import (
	"net/http"
	"strconv"
	"time"

	"herald/internal/domain/notification"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herald"

var _ notification.Recorder = (*Metrics)(nil)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	// Notification lifecycle
	NotificationsCreated  *prometheus.CounterVec
	AttemptsTotal         *prometheus.CounterVec
	AttemptDuration       *prometheus.HistogramVec
	RetriesScheduled      *prometheus.CounterVec
	RetryDelay            *prometheus.HistogramVec
	RetriesExhaustedTotal *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec

	// Bulk
	BatchRecipients *prometheus.CounterVec

	// Reaper
	ReaperRecovered prometheus.Counter

	// API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		NotificationsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_created_total",
				Help:      "Notification records created",
			},
			[]string{"channel", "trigger_event"},
		),
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_attempts_total",
				Help:      "Sender calls by outcome",
			},
			[]string{"channel", "outcome"},
		),
		AttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_attempt_duration_seconds",
				Help:      "Time spent in one sender call",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		RetriesScheduled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Automatic retries scheduled after transient failures",
			},
			[]string{"channel"},
		),
		RetryDelay: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay chosen for scheduled retries",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"channel"},
		),
		RetriesExhaustedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_exhausted_total",
				Help:      "Records failed after using every retry",
			},
			[]string{"channel"},
		),
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Persisted status transitions by target status",
			},
			[]string{"channel", "status"},
		),
		BatchRecipients: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_recipients_total",
				Help:      "Bulk recipients by result",
			},
			[]string{"result"},
		),
		ReaperRecovered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_recovered_total",
				Help:      "Stale records re-scheduled by the reaper",
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by route template, so ids do not explode label cardinality.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) NotificationCreated(ch notification.Channel, ev notification.TriggerEvent) {
	m.NotificationsCreated.WithLabelValues(string(ch), string(ev)).Inc()
}

func (m *Metrics) AttemptFinished(ch notification.Channel, outcome string, took time.Duration) {
	m.AttemptsTotal.WithLabelValues(string(ch), outcome).Inc()
	m.AttemptDuration.WithLabelValues(string(ch)).Observe(took.Seconds())
}

func (m *Metrics) RetryScheduled(ch notification.Channel, delay time.Duration) {
	m.RetriesScheduled.WithLabelValues(string(ch)).Inc()
	m.RetryDelay.WithLabelValues(string(ch)).Observe(delay.Seconds())
}

func (m *Metrics) RetriesExhausted(ch notification.Channel) {
	m.RetriesExhaustedTotal.WithLabelValues(string(ch)).Inc()
}

func (m *Metrics) Transitioned(ch notification.Channel, to notification.Status) {
	m.TransitionsTotal.WithLabelValues(string(ch), string(to)).Inc()
}

func (m *Metrics) BatchCompleted(successful, failed int) {
	m.BatchRecipients.WithLabelValues("successful").Add(float64(successful))
	m.BatchRecipients.WithLabelValues("failed").Add(float64(failed))
}

// Recovered counts records the reaper re-scheduled.
func (m *Metrics) Recovered(n int) {
	m.ReaperRecovered.Add(float64(n))
}
