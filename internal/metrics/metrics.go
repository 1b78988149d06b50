// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PinkDiamond1/gsy-e/internal/market"
)

var (
	// TradesTotal counts executed trades, partitioned by market.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_trades_total",
		Help: "Total number of trades executed",
	}, []string{"market"})

	// TradedEnergy tracks cumulative traded energy per market in kWh.
	TradedEnergy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_traded_energy_kwh_total",
		Help: "Cumulative traded energy in kWh",
	}, []string{"market"})

	// GridFees tracks cumulative grid fees collected per market.
	GridFees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_grid_fees_total",
		Help: "Cumulative grid fees collected",
	}, []string{"market"})

	// OffersPosted counts posted offers per market.
	OffersPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_offers_posted_total",
		Help: "Total number of offers posted",
	}, []string{"market"})

	// BidsPosted counts posted bids per market.
	BidsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_bids_posted_total",
		Help: "Total number of bids posted",
	}, []string{"market"})

	// SimulationTicks counts completed simulation ticks.
	SimulationTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsye_simulation_ticks_total",
		Help: "Completed simulation ticks",
	})

	// TickDuration tracks wall-clock tick duration.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gsye_tick_duration_seconds",
		Help:    "Simulation tick duration in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// OpenMarkets tracks the number of markets currently accepting orders.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsye_open_markets",
		Help: "Number of markets currently accepting orders",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsye_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gsye_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Listener adapts the Prometheus counters to the market event stream.
func Listener() market.Listener {
	return func(evt market.Event) error {
		switch evt.Kind {
		case market.EventOfferCreated, market.EventBalancingOfferCreated:
			OffersPosted.WithLabelValues(evt.MarketName).Inc()
		case market.EventBidCreated:
			BidsPosted.WithLabelValues(evt.MarketName).Inc()
		case market.EventOfferTraded, market.EventBidTraded, market.EventBalancingTrade:
			if evt.Trade == nil {
				return nil
			}
			TradesTotal.WithLabelValues(evt.MarketName).Inc()
			energy, _ := evt.Trade.TradedEnergy.Abs().Float64()
			TradedEnergy.WithLabelValues(evt.MarketName).Add(energy)
			fee, _ := evt.Trade.FeePrice.Float64()
			GridFees.WithLabelValues(evt.MarketName).Add(fee)
		}
		return nil
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
