// Package metrics exposes Prometheus collectors for the coordinator client,
// the settlement oracle and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a registry and every collector registered on it.
type Collector struct {
	registry *prometheus.Registry

	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	authState   prometheus.Gauge

	oracleItems    *prometheus.CounterVec
	oracleCycles   *prometheus.CounterVec
	oracleDuration prometheus.Histogram

	bets *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector. An empty namespace means "streambet".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "streambet"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),

		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "clearnode", Name: "calls_total",
			Help: "Coordinator RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "clearnode", Name: "call_duration_seconds",
			Help:    "Coordinator RPC round-trip time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
		authState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "clearnode", Name: "auth_state",
			Help: "Authentication state: 0 disconnected, 1 connecting, 2 connected, 3 authenticating, 4 authenticated, 5 error.",
		}),

		oracleItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "markets_total",
			Help: "Markets processed per phase and outcome.",
		}, []string{"phase", "outcome"}),
		oracleCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "cycles_total",
			Help: "Settlement cycles run.",
		}, []string{"failed"}),
		oracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "cycle_duration_seconds",
			Help:    "Duration of settlement cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		bets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bets", Name: "placed_total",
			Help: "Bet requests by outcome.",
		}, []string{"outcome"}),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}

	c.registry.MustRegister(
		c.rpcCalls, c.rpcDuration, c.authState,
		c.oracleItems, c.oracleCycles, c.oracleDuration,
		c.bets,
		c.httpInFlight, c.httpRequests, c.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCall matches clearnode.CallObserver.
func (c *Collector) ObserveCall(method, outcome string, elapsed time.Duration) {
	c.rpcCalls.WithLabelValues(method, outcome).Inc()
	c.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetAuthState records the client's current authentication state.
func (c *Collector) SetAuthState(s clearnode.State) {
	c.authState.Set(float64(s))
}

// TrackEvents mirrors auth state changes from events until the channel
// closes.
func (c *Collector) TrackEvents(events <-chan clearnode.Event) {
	for ev := range events {
		if ev.Kind == clearnode.EventAuth {
			c.SetAuthState(ev.State)
		}
	}
}

// ObservePhase counts one market outcome in an oracle phase.
func (c *Collector) ObservePhase(phase, outcome string) {
	c.oracleItems.WithLabelValues(phase, outcome).Inc()
}

// ObserveCycle records a finished settlement cycle.
func (c *Collector) ObserveCycle(elapsed time.Duration, failed bool) {
	c.oracleCycles.WithLabelValues(strconv.FormatBool(failed)).Inc()
	c.oracleDuration.Observe(elapsed.Seconds())
}

// RecordBet counts a bet request by outcome, e.g. "ok", "rejected".
func (c *Collector) RecordBet(outcome string) {
	c.bets.WithLabelValues(outcome).Inc()
}

// InstrumentHandler wraps next with request counting and timing.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		c.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses ids so label cardinality stays bounded:
// /api/markets/abc/bets becomes /api/markets/:id/bets.
func canonicalPath(raw string) string {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return "/"
	}
	for i := range parts {
		if i > 0 && (parts[i-1] == "markets" || parts[i-1] == "sessions") {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
