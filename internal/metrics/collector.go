// Package metrics exposes the service's Prometheus instrumentation. The
// Collector satisfies the observer interfaces of the pool, orchestrator,
// admission controller and cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector owns every metric the service emits.
type Collector struct {
	engineConnected prometheus.Gauge
	liveSessions    prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsSwept   prometheus.Counter

	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram
	emergencyTotal prometheus.Counter

	inflight         prometheus.Gauge
	admissionDenials *prometheus.CounterVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge

	httpRequests *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCollector registers against the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry registers against a caller-supplied registry,
// which keeps tests isolated from the default one.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.engineConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_connected",
		Help:      "Whether the browser engine process is connected (0/1)",
	})
	c.liveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Number of live browser sessions",
	})
	c.sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Total browser sessions created",
	})
	c.sessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_swept_total",
		Help:      "Total dead sessions removed by the sweeper",
	})

	c.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "renders_total",
		Help:      "Total renders by outcome",
	}, []string{"status"})
	c.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering pages",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	c.emergencyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_renders_total",
		Help:      "Total degraded fallback renders served",
	})

	c.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_requests",
		Help:      "Currently admitted in-flight requests",
	})
	c.admissionDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_denials_total",
		Help:      "Total admission denials by reason",
	}, []string{"reason"})

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total result cache hits",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total result cache misses",
	})
	c.cacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Total cache evictions by reason",
	}, []string{"reason"})
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Current number of cache entries",
	})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		c.engineConnected,
		c.liveSessions,
		c.sessionsCreated,
		c.sessionsSwept,
		c.rendersTotal,
		c.renderDuration,
		c.emergencyTotal,
		c.inflight,
		c.admissionDenials,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.cacheEntries,
		c.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("prometheus metrics initialized", zap.String("namespace", namespace))
	return c
}

// SetEngineConnected implements the pool observer.
func (c *Collector) SetEngineConnected(connected bool) {
	if connected {
		c.engineConnected.Set(1)
	} else {
		c.engineConnected.Set(0)
	}
}

func (c *Collector) SetLiveSessions(n int) { c.liveSessions.Set(float64(n)) }
func (c *Collector) SessionCreated()       { c.sessionsCreated.Inc() }
func (c *Collector) SessionSwept()         { c.sessionsSwept.Inc() }

// RenderCompleted implements the orchestrator observer.
func (c *Collector) RenderCompleted(status string, elapsed time.Duration) {
	c.rendersTotal.WithLabelValues(status).Inc()
	c.renderDuration.Observe(elapsed.Seconds())
}

func (c *Collector) EmergencyUsed() { c.emergencyTotal.Inc() }

// AdmissionDenied implements the admission observer.
func (c *Collector) AdmissionDenied(reason string) {
	c.admissionDenials.WithLabelValues(reason).Inc()
}

func (c *Collector) SetInflight(n int) { c.inflight.Set(float64(n)) }

// CacheHit implements the cache observer.
func (c *Collector) CacheHit()  { c.cacheHits.Inc() }
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

func (c *Collector) CacheEvicted(reason string) {
	c.cacheEvictions.WithLabelValues(reason).Inc()
}

func (c *Collector) SetCacheEntries(n int) { c.cacheEntries.Set(float64(n)) }

// RecordHTTPRequest counts one served request.
func (c *Collector) RecordHTTPRequest(endpoint, status string) {
	c.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// ServeHTTP serves the Prometheus exposition endpoint.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
