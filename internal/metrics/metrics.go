package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubd_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubd_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hubd_channels_active",
			Help: "Channels with at least one open connection",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubd_connections_rejected_total",
			Help: "Connections closed before reaching the open state",
		},
		[]string{"reason"},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubd_messages_persisted_total",
			Help: "Messages written to the store",
		},
		[]string{"kind"}, // "publish", "presence"
	)

	MessagesEphemeral = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hubd_messages_ephemeral_total",
			Help: "Messages broadcast without persistence",
		},
	)

	ReplayedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hubd_replayed_rows_total",
			Help: "Historical rows sent during replay",
		},
	)

	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hubd_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hubd_store_latency_seconds",
			Help:    "Message insert latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)
)
