package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_command_latency_seconds",
			Help:    "Latency of engine command processing in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"asset", "command"},
	)
	commandQueueFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_command_queue_full_total",
			Help: "Total number of commands rejected because the queue was full.",
		},
		[]string{"asset"},
	)
	tradesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_settled_total",
			Help: "Total number of trades settled.",
		},
		[]string{"asset"},
	)
	tradeNotional = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_notional_units_total",
			Help: "Cumulative settled notional in quote asset units.",
		},
		[]string{"asset"},
	)
	complianceDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_denials_total",
			Help: "Total number of candidate trades denied by the compliance gate.",
		},
		[]string{"asset"},
	)
	settlementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_failures_total",
			Help: "Total number of candidate trades that failed ledger settlement.",
		},
		[]string{"asset"},
	)
	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Total number of orders accepted for matching.",
		},
		[]string{"asset", "side"},
	)
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of orders rejected at validation.",
		},
		[]string{"asset", "code"},
	)
	ordersExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Total number of orders removed by the expiry sweep.",
		},
		[]string{"asset"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_dropped_total",
			Help: "Total number of engine events dropped due to a full channel.",
		},
		[]string{"asset"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Current orderbook depth.",
		},
		[]string{"asset", "side"},
	)
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_clients",
		Help: "Current number of connected websocket clients.",
	})
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
	feedPublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_publish_errors_total",
			Help: "Total number of failed event feed publishes.",
		},
		[]string{"stream"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			commandLatency,
			commandQueueFull,
			tradesSettled,
			tradeNotional,
			complianceDenials,
			settlementFailures,
			ordersSubmitted,
			ordersRejected,
			ordersExpired,
			eventsDropped,
			orderbookDepth,
			wsClients,
			httpRequestDuration,
			feedPublishErrors,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveCommandLatency records the processing time of one engine command.
func ObserveCommandLatency(asset, command string, d time.Duration) {
	Init()
	commandLatency.WithLabelValues(asset, command).Observe(d.Seconds())
}

// IncCommandQueueFull increments the queue-full rejection counter.
func IncCommandQueueFull(asset string) {
	Init()
	commandQueueFull.WithLabelValues(asset).Inc()
}

// IncTradesSettled increments the settled trades counter.
func IncTradesSettled(asset string) {
	Init()
	tradesSettled.WithLabelValues(asset).Inc()
}

// AddTradeNotional adds a settled notional amount in quote units.
func AddTradeNotional(asset string, notional int64) {
	Init()
	if notional <= 0 {
		return
	}
	tradeNotional.WithLabelValues(asset).Add(float64(notional))
}

// IncComplianceDenial increments the compliance denial counter.
func IncComplianceDenial(asset string) {
	Init()
	complianceDenials.WithLabelValues(asset).Inc()
}

// IncSettlementFailure increments the settlement failure counter.
func IncSettlementFailure(asset string) {
	Init()
	settlementFailures.WithLabelValues(asset).Inc()
}

// IncOrdersSubmitted increments the accepted order counter.
func IncOrdersSubmitted(asset, side string) {
	Init()
	ordersSubmitted.WithLabelValues(asset, side).Inc()
}

// IncOrdersRejected increments the rejected order counter by error code.
func IncOrdersRejected(asset, code string) {
	Init()
	ordersRejected.WithLabelValues(asset, code).Inc()
}

// IncOrdersExpired increments the expired order counter.
func IncOrdersExpired(asset string) {
	Init()
	ordersExpired.WithLabelValues(asset).Inc()
}

// IncEventsDropped increments the dropped event counter.
func IncEventsDropped(asset string) {
	Init()
	eventsDropped.WithLabelValues(asset).Inc()
}

// SetOrderbookDepth sets the current orderbook depth for an asset and side.
func SetOrderbookDepth(asset, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(asset, side).Set(depth)
}

// SetWSClients sets the current websocket client count.
func SetWSClients(n int) {
	Init()
	wsClients.Set(float64(n))
}

// ObserveHTTPRequest records the latency of one HTTP request.
func ObserveHTTPRequest(path, method string, d time.Duration) {
	Init()
	httpRequestDuration.WithLabelValues(path, method).Observe(d.Seconds())
}

// IncFeedPublishError increments the feed publish error counter.
func IncFeedPublishError(stream string) {
	Init()
	feedPublishErrors.WithLabelValues(stream).Inc()
}
