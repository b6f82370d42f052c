package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Dispatcher
	dispatchPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total number of outbox events published to both streams.",
		},
	)
	dispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_publish_retries_total",
			Help: "Total number of failed publish attempts scheduled for retry.",
		},
	)
	dispatchDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_dead_lettered_total",
			Help: "Total number of outbox events moved to dead_letter.",
		},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_duration_seconds",
			Help:    "Time spent dispatching a single outbox event (seconds).",
			Buckets: prometheus.DefBuckets,
		},
	)
	outboxLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_lag_seconds",
			Help:    "Lag between outbox event creation and publish attempt (seconds).",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	outboxStatusCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_events_count",
			Help: "Current count of outbox events by status.",
		},
		[]string{"status"},
	)
	outboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog_count",
			Help: "Current number of pending+failed outbox events.",
		},
	)

	// Consumer
	consumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consumer_events_consumed_total",
			Help: "Total number of outbox events marked consumed.",
		},
	)
	consumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_errors_total",
			Help: "Total number of consumer-side errors.",
		},
		[]string{"operation"},
	)

	// Broker
	streamDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_depth",
			Help: "Current length of a broker stream.",
		},
		[]string{"stream"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			dispatchPublished,
			dispatchRetries,
			dispatchDeadLetters,
			dispatchDuration,
			outboxLagSeconds,
			outboxStatusCount,
			outboxBacklog,

			consumedTotal,
			consumerErrors,

			streamDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Dispatcher ---
func IncDispatchPublished()  { dispatchPublished.Inc() }
func IncDispatchRetry()      { dispatchRetries.Inc() }
func IncDispatchDeadLetter() { dispatchDeadLetters.Inc() }

func ObserveDispatchDuration(d time.Duration) { dispatchDuration.Observe(d.Seconds()) }
func ObserveOutboxLagSeconds(sec float64) {
	if sec < 0 {
		sec = 0
	}
	outboxLagSeconds.Observe(sec)
}

// --- Consumer ---
func IncConsumed()                      { consumedTotal.Inc() }
func IncConsumerError(operation string) { consumerErrors.WithLabelValues(operation).Inc() }

// --- Gauges (collectors) ---
func SetOutboxStatusCount(status string, count int64) {
	if count < 0 {
		count = 0
	}
	outboxStatusCount.WithLabelValues(status).Set(float64(count))
}

func SetOutboxBacklog(count int64) {
	if count < 0 {
		count = 0
	}
	outboxBacklog.Set(float64(count))
}

func SetStreamDepth(stream string, n int64) {
	if n < 0 {
		n = 0
	}
	streamDepth.WithLabelValues(stream).Set(float64(n))
}

func fmtInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [32]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
