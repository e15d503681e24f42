package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReloadOutcome captures the result of an engine configuration reload.
type ReloadOutcome string

const (
	// ReloadApplied indicates the new service replaced the running one.
	ReloadApplied ReloadOutcome = "applied"
	// ReloadFailed indicates the configuration was rejected and the running
	// service was kept.
	ReloadFailed ReloadOutcome = "failed"
)

// Recorder publishes Prometheus metrics for gateway and tile cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	tileCache   *prometheus.CounterVec
	tileEntries *prometheus.GaugeVec
	reloads     *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilegate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total requests answered by the gateway.",
	}, []string{"service", "method", "status_code"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tilegate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed gateway requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "method"})

	tileCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilegate",
		Subsystem: "tile_cache",
		Name:      "operations_total",
		Help:      "Tile cache lookups by tileset and outcome.",
	}, []string{"tileset", "result"})

	tileEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tilegate",
		Subsystem: "tile_cache",
		Name:      "entries",
		Help:      "Tiles held by each cache when the configuration was last loaded.",
	}, []string{"cache"})

	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilegate",
		Subsystem: "service",
		Name:      "reloads_total",
		Help:      "Engine configuration reload attempts.",
	}, []string{"result"})

	reg.MustRegister(httpRequests, httpLatency, tileCache, tileEntries, reloads)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:     reg,
		handler:      handler,
		httpRequests: httpRequests,
		httpLatency:  httpLatency,
		tileCache:    tileCache,
		tileEntries:  tileEntries,
		reloads:      reloads,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records a completed gateway request. service is the first
// path segment the engine routed on (wms, tms, kml).
func (r *Recorder) ObserveRequest(service, method string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	serviceLabel := normalizeLabel(service)
	methodLabel := normalizeLabel(strings.ToUpper(method))
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.httpRequests.WithLabelValues(serviceLabel, methodLabel, statusLabel).Inc()
	r.httpLatency.WithLabelValues(serviceLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveTileCache satisfies the engine's cache observer.
func (r *Recorder) ObserveTileCache(tileset, outcome string) {
	if r == nil {
		return
	}
	r.tileCache.WithLabelValues(normalizeLabel(tileset), normalizeLabel(outcome)).Inc()
}

// ObserveTileCacheEntries sets the entry gauge of one cache.
func (r *Recorder) ObserveTileCacheEntries(cache string, entries int64) {
	if r == nil {
		return
	}
	r.tileEntries.WithLabelValues(normalizeLabel(cache)).Set(float64(entries))
}

// ObserveReload records a configuration reload attempt.
func (r *Recorder) ObserveReload(result ReloadOutcome) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(ReloadFailed)
	}
	r.reloads.WithLabelValues(label).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
