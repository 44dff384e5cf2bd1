// Package metrics exposes the runtime's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector the runtime records into.
// Collectors register into a private prometheus.Registry so repeated
// construction (tests, embedded use) never double-registers.
type Registry struct {
	reg *prometheus.Registry

	VenueRequests *prometheus.CounterVec
	VenueErrors   *prometheus.CounterVec
	VenueLatency  *prometheus.HistogramVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	FillsTotal      *prometheus.CounterVec
	FeesPaid        prometheus.Counter

	BacktestsActive  prometheus.Gauge
	BacktestDuration prometheus.Histogram
	SessionsActive   prometheus.Gauge
	RiskTrips        *prometheus.CounterVec

	BusPublished *prometheus.CounterVec
	BusDropped   *prometheus.CounterVec
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.VenueRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_venue_requests_total",
			Help: "REST requests issued per venue and endpoint",
		},
		[]string{"venue", "endpoint"},
	)
	r.VenueErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_venue_errors_total",
			Help: "Failed venue requests per venue and kind",
		},
		[]string{"venue", "kind"},
	)
	r.VenueLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeforge_venue_latency_seconds",
			Help:    "Venue REST round-trip latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"venue", "endpoint"},
	)

	r.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_cache_hits_total",
			Help: "Bar and quote cache hits by tier",
		},
		[]string{"tier"},
	)
	r.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_cache_misses_total",
			Help: "Bar and quote cache misses by tier",
		},
		[]string{"tier"},
	)

	r.OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_orders_submitted_total",
			Help: "Orders accepted by the matching engine",
		},
		[]string{"kind"},
	)
	r.OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_orders_rejected_total",
			Help: "Orders rejected before matching",
		},
		[]string{"reason"},
	)
	r.FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_fills_total",
			Help: "Fills produced by the matching engine",
		},
		[]string{"side", "liquidity"},
	)
	r.FeesPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeforge_fees_paid_total",
			Help: "Cumulative simulated fees in quote units",
		},
	)

	r.BacktestsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeforge_backtests_active",
			Help: "Backtest jobs currently running",
		},
	)
	r.BacktestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradeforge_backtest_duration_seconds",
			Help:    "Wall-clock duration of completed backtest jobs",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
	)
	r.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeforge_sessions_active",
			Help: "Live sessions in Running or Paused state",
		},
	)
	r.RiskTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_risk_trips_total",
			Help: "Risk circuit breaker trips by reason",
		},
		[]string{"reason"},
	)

	r.BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_bus_published_total",
			Help: "Events published per topic class",
		},
		[]string{"topic"},
	)
	r.BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeforge_bus_dropped_total",
			Help: "Events dropped because a sink was slow",
		},
		[]string{"topic"},
	)

	r.reg.MustRegister(
		r.VenueRequests, r.VenueErrors, r.VenueLatency,
		r.CacheHits, r.CacheMisses,
		r.OrdersSubmitted, r.OrdersRejected, r.FillsTotal, r.FeesPaid,
		r.BacktestsActive, r.BacktestDuration, r.SessionsActive, r.RiskTrips,
		r.BusPublished, r.BusDropped,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveVenueRequest records one venue REST call.
func (r *Registry) ObserveVenueRequest(venue, endpoint string, d time.Duration, err error) {
	r.VenueRequests.WithLabelValues(venue, endpoint).Inc()
	r.VenueLatency.WithLabelValues(venue, endpoint).Observe(d.Seconds())
	if err != nil {
		r.VenueErrors.WithLabelValues(venue, "request").Inc()
	}
}

// Nop returns a registry that records into collectors nobody scrapes.
// Useful for tests and library callers that do not wire metrics.
func Nop() *Registry {
	return New()
}
