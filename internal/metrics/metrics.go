// Package metrics exposes Prometheus metrics for the cache, the queue, the
// orchestrator and the processor. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"listsync/internal/cache"
	"listsync/internal/operation"
)

const DefaultNamespace = "listsync"

// Collector holds all Prometheus metrics for the application
type Collector struct {
	registry *prometheus.Registry

	Mutations      *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	Attempts       *prometheus.CounterVec
	Ticks          prometheus.Counter
	QueueDepth     *prometheus.GaugeVec
	BreakerOpen    prometheus.Gauge
	StaleReads     prometheus.Counter
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Mutations handled by the orchestrator, by outcome",
			},
			[]string{"operation", "outcome"},
		),
		RemoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Remote call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"call", "result"},
		),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_attempts_total",
				Help:      "Queued operation attempts made by the processor, by result",
			},
			[]string{"operation", "result"},
		),
		Ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_ticks_total",
				Help:      "Processor ticks run",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_operations",
				Help:      "Queued operations by status",
			},
			[]string{"status"},
		),
		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_open",
				Help:      "1 while the remote circuit breaker is open",
			},
		),
		StaleReads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_reads_total",
				Help:      "Reads answered from the last-known-good copy after a fetch failure",
			},
		),
	}

	registry.MustRegister(
		c.Mutations,
		c.RemoteDuration,
		c.Attempts,
		c.Ticks,
		c.QueueDepth,
		c.BreakerOpen,
		c.StaleReads,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegisterCache exports the cache's own counters.
func (c *Collector) RegisterCache(namespace string, stats func() cache.Stats) {
	if c == nil {
		return
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	counter := func(name, help string, get func(cache.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	c.registry.MustRegister(
		counter("hits_total", "Cache hits", func(s cache.Stats) int64 { return s.Hits }),
		counter("misses_total", "Cache misses, expired reads included", func(s cache.Stats) int64 { return s.Misses }),
		counter("writes_total", "Cache writes", func(s cache.Stats) int64 { return s.Writes }),
		counter("expired_total", "Entries removed because they expired", func(s cache.Stats) int64 { return s.Expired }),
		counter("invalidations_total", "Explicit invalidations and clears", func(s cache.Stats) int64 { return s.Invalidations }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently stored",
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_bytes",
			Help:      "Approximate bytes held by keys and values",
		}, func() float64 { return float64(stats().ApproxMemoryBytes) }),
	)
}

// RateLimitSource reports remote backpressure, as ratelimit.Stats does.
type RateLimitSource interface {
	RateLimitCount() int64
	LastRateLimitTime() time.Time
}

// RegisterRateLimit exports how often and how recently the remote answered
// with backpressure.
func (c *Collector) RegisterRateLimit(namespace string, src RateLimitSource) {
	if c == nil {
		return
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "rate_limited_total",
		Help:      "Remote responses that signalled rate limiting",
	}, func() float64 { return float64(src.RateLimitCount()) }))
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "last_rate_limited_timestamp_seconds",
		Help:      "Unix time of the last rate-limited response, 0 if none",
	}, func() float64 {
		at := src.LastRateLimitTime()
		if at.IsZero() {
			return 0
		}
		return float64(at.Unix())
	}))
}

// ObserveMutation counts one orchestrator mutation.
func (c *Collector) ObserveMutation(t operation.Type, outcome string) {
	if c == nil {
		return
	}
	c.Mutations.WithLabelValues(string(t), outcome).Inc()
}

// ObserveRemote records the duration of one remote call.
func (c *Collector) ObserveRemote(call string, err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.RemoteDuration.WithLabelValues(call, result).Observe(d.Seconds())
}

// ObserveAttempt counts one processor attempt.
func (c *Collector) ObserveAttempt(t operation.Type, result string) {
	if c == nil {
		return
	}
	c.Attempts.WithLabelValues(string(t), result).Inc()
}

// ObserveTick counts a processor tick.
func (c *Collector) ObserveTick() {
	if c == nil {
		return
	}
	c.Ticks.Inc()
}

// SetQueueDepth replaces the per-status gauges.
func (c *Collector) SetQueueDepth(stats map[operation.Status]int) {
	if c == nil {
		return
	}
	for status, n := range stats {
		c.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

// SetBreakerOpen records the breaker state.
func (c *Collector) SetBreakerOpen(open bool) {
	if c == nil {
		return
	}
	if open {
		c.BreakerOpen.Set(1)
		return
	}
	c.BreakerOpen.Set(0)
}

// ObserveStaleRead counts a stale fallback read.
func (c *Collector) ObserveStaleRead() {
	if c == nil {
		return
	}
	c.StaleReads.Inc()
}
