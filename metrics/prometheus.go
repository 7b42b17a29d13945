// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all engine metrics.
type Collector struct {
	OrdersTotal       *prometheus.CounterVec
	TradesTotal       *prometheus.CounterVec
	TradeVolume       *prometheus.CounterVec
	PositionsOpen     *prometheus.GaugeVec
	LiquidationsTotal *prometheus.CounterVec
	FaucetClaims      prometheus.Counter
	OraclePrice       *prometheus.GaugeVec
	OracleFailures    *prometheus.CounterVec

	WSConnections prometheus.Gauge
	WSTopics      prometheus.Gauge

	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
}

// GetCollector returns the process-wide collector, registering it on first
// use.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
		collector.register()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "orders", Name: "total",
		Help: "Orders submitted",
	}, []string{"market", "side", "type", "status"})

	c.TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "trades", Name: "total",
		Help: "Trades executed",
	}, []string{"market"})

	c.TradeVolume = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "trades", Name: "volume",
		Help: "Base-asset volume traded",
	}, []string{"market"})

	c.PositionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "simperp", Subsystem: "positions", Name: "open",
		Help: "Open positions",
	}, []string{"market"})

	c.LiquidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "positions", Name: "liquidations_total",
		Help: "Forced position closures",
	}, []string{"market"})

	c.FaucetClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "faucet", Name: "claims_total",
		Help: "Faucet grants issued",
	})

	c.OraclePrice = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "simperp", Subsystem: "oracle", Name: "price",
		Help: "Last oracle price",
	}, []string{"market"})

	c.OracleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "oracle", Name: "failures_total",
		Help: "Failed oracle polls",
	}, []string{"market"})

	c.WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simperp", Subsystem: "ws", Name: "connections",
		Help: "Connected websocket clients",
	})

	c.WSTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simperp", Subsystem: "ws", Name: "topics",
		Help: "Topics with at least one subscriber",
	})

	c.APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simperp", Subsystem: "api", Name: "requests_total",
		Help: "HTTP requests served",
	}, []string{"path", "method", "status"})

	c.APIRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "simperp", Subsystem: "api", Name: "request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method"})

	return c
}

func (c *Collector) register() {
	prometheus.MustRegister(
		c.OrdersTotal, c.TradesTotal, c.TradeVolume,
		c.PositionsOpen, c.LiquidationsTotal, c.FaucetClaims,
		c.OraclePrice, c.OracleFailures,
		c.WSConnections, c.WSTopics,
		c.APIRequestsTotal, c.APIRequestLatency,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(path, method string, status int, elapsed time.Duration) {
	c.APIRequestsTotal.WithLabelValues(path, method, httpStatusClass(status)).Inc()
	c.APIRequestLatency.WithLabelValues(path, method).Observe(elapsed.Seconds())
}

func httpStatusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
