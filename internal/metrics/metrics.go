// File: internal/metrics/metrics.go
// Package metrics holds the Prometheus collectors exported by hioload-uws.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsOpen tracks live sockets by kind: "http" or "ws".
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hioload_uws_connections_open",
			Help: "Number of open connections by kind",
		},
		[]string{"kind"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hioload_uws_http_requests_total",
			Help: "HTTP requests dispatched, labelled by whether a route handled them",
		},
		[]string{"method", "routed"},
	)

	WSMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hioload_uws_ws_messages_received_total",
			Help: "Complete WebSocket data messages delivered to handlers",
		},
	)

	WSSendStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hioload_uws_ws_send_status_total",
			Help: "Outcome of WebSocket sends",
		},
		[]string{"status"}, // "success", "backpressure", "dropped"
	)

	PubSubPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hioload_uws_pubsub_published_total",
			Help: "Messages accepted by the topic tree",
		},
		[]string{"path"}, // "small", "big"
	)

	PubSubDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hioload_uws_pubsub_drained_messages_total",
			Help: "Per-subscriber deliveries performed by drains",
		},
	)

	PubSubTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hioload_uws_pubsub_topics",
			Help: "Topics currently holding at least one subscriber",
		},
	)

	ListenSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hioload_uws_listen_sockets",
			Help: "Open listen sockets",
		},
	)

	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hioload_uws_bridge_messages_total",
			Help: "NATS messages relayed into the topic tree",
		},
		[]string{"result"}, // "published", "rejected"
	)
)
