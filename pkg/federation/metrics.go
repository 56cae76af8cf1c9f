package federation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation-wide metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Directory metrics
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheErrors   prometheus.Counter
	RemoteFetches *prometheus.CounterVec

	// Delivery metrics
	Deliveries      *prometheus.CounterVec
	DeliveryLatency prometheus.Histogram
	RetryAttempts   prometheus.Counter
	QueueDepth      prometheus.Gauge

	// Inbound metrics
	Verifications *prometheus.CounterVec

	// BackendUp is 1 while a storage or cache backend answers pings.
	BackendUp *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		CacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_actor_cache_hits_total",
			Help: "Remote actor resolutions served from cache",
		}),
		CacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_actor_cache_misses_total",
			Help: "Remote actor resolutions that required a fetch",
		}),
		CacheErrors: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_actor_cache_errors_total",
			Help: "Actor cache reads or writes that failed",
		}),
		RemoteFetches: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_remote_fetches_total",
			Help: "Remote actor and webfinger fetches by result",
		}, []string{"result"}),

		Deliveries: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_deliveries_total",
			Help: "Per-receiver delivery outcomes",
		}, []string{"status"}),
		DeliveryLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_delivery_latency_seconds",
			Help:    "Time to resolve and deliver to a single receiver",
			Buckets: prometheus.DefBuckets,
		}),
		RetryAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_delivery_retries_total",
			Help: "Receivers re-enqueued after a failed delivery",
		}),
		QueueDepth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_delivery_queue_depth",
			Help: "Delivery jobs waiting for a worker",
		}),

		Verifications: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbound_verifications_total",
			Help: "Inbound signature verifications by result",
		}, []string{"result"}),

		BackendUp: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "federation_backend_up",
			Help: "Whether a storage or cache backend is reachable",
		}, []string{"backend"}),
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheError() {
	if m != nil {
		m.CacheErrors.Inc()
	}
}

func (m *Metrics) remoteFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RemoteFetches.WithLabelValues(result).Inc()
}

// ObserveDelivery records one receiver outcome and how long it took.
func (m *Metrics) ObserveDelivery(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(status).Inc()
	m.DeliveryLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry() {
	if m != nil {
		m.RetryAttempts.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

// ObserveVerification records an inbound verification result (accepted or rejected).
func (m *Metrics) ObserveVerification(result string) {
	if m != nil {
		m.Verifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetBackendUp(backend string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(v)
}
