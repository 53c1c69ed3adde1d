package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// engine
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_orders_placed_total",
			Help: "Orders accepted by the engine",
		},
		[]string{"side"},
	)
	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_orders_cancelled_total",
			Help: "Orders cancelled by their owner",
		},
		[]string{"side"},
	)
	Trades = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenbook_trades_total",
			Help: "Trades executed",
		},
	)
	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_rejections_total",
			Help: "Operations rejected or rolled back, by operation and error category",
		},
		[]string{"op", "category"},
	)
	RestingOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokenbook_resting_orders",
			Help: "Active orders resting in the book",
		},
		[]string{"side"},
	)
	RecorderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_recorder_errors_total",
			Help: "Audit sink failures after a committed operation",
		},
		[]string{"sink"},
	)
	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenbook_engine_halted",
			Help: "1 once a durable recorder has refused a committed operation",
		},
	)
	CustodyMismatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_custody_mismatch_total",
			Help: "Custody balances that did not match escrow at restore",
		},
		[]string{"asset", "drift"},
	)

	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// websocket / gossip
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenbook_ws_clients",
			Help: "Connected websocket clients",
		},
	)
	GossipPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_gossip_published_total",
			Help: "Audit records published to the gossip topic",
		},
		[]string{"status"},
	)

	// external sinks
	SinkPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_sink_published_total",
			Help: "Events forwarded to external sinks, by sink and outcome",
		},
		[]string{"sink", "status"},
	)
	SinkPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokenbook_sink_pending",
			Help: "Events queued for an external sink",
		},
		[]string{"sink"},
	)
)

var once sync.Once

// InitMetrics registers every collector with the default registry. Safe to call twice.
func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(OrdersPlaced, OrdersCancelled, Trades, Rejections, RestingOrders, RecorderErrors)
		prometheus.MustRegister(Halted, CustodyMismatch)
		prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight)
		prometheus.MustRegister(WSClients, GossipPublished)
		prometheus.MustRegister(SinkPublished, SinkPending)

		prometheus.MustRegister(collectors.NewGoCollector())
		prometheus.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
