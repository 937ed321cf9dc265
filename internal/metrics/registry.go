// Package metrics exposes the process's Prometheus metrics, mirroring the
// teacher's internal/metrics.Registry shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every Prometheus collector the bridge publishes on
// /metrics.
type Registry struct {
	NotificationsReceived prometheus.Counter
	NotificationsDropped  prometheus.Counter
	NotificationsSuppressed prometheus.Counter
	HeartbeatsEmitted     prometheus.Counter
	MissedMessageCount    prometheus.Counter

	SessionsConnected prometheus.Gauge
	Subscriptions     prometheus.Gauge
	MonitoredItems    prometheus.Gauge
	NodeConfigVersion prometheus.Gauge

	KeepAliveMisses prometheus.Counter
	Reconnects      prometheus.Counter

	HubQueueDepth    prometheus.Gauge
	HubBatchesSent   prometheus.Counter
	HubBatchesFailed prometheus.Counter
	HubBatchesLost   prometheus.Counter
	HubBatchDuration prometheus.Histogram
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	return &Registry{
		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_notifications_received_total",
			Help: "Total number of OPC UA notifications received from all subscriptions.",
		}),
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_notifications_dropped_total",
			Help: "Total number of notifications dropped because the hub queue was full.",
		}),
		NotificationsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_notifications_suppressed_total",
			Help: "Total number of notifications dropped due to a suppressed status code.",
		}),
		HeartbeatsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_heartbeats_emitted_total",
			Help: "Total number of synthetic heartbeat records emitted.",
		}),
		MissedMessageCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_missed_messages_total",
			Help: "Total number of notifications lost to queue overflow (alias of NotificationsDropped).",
		}),
		SessionsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opc_publisher_sessions_connected",
			Help: "Current number of connected OPC UA sessions.",
		}),
		Subscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opc_publisher_subscriptions",
			Help: "Current number of active OPC UA subscriptions.",
		}),
		MonitoredItems: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opc_publisher_monitored_items",
			Help: "Current number of monitored items in state Monitored.",
		}),
		NodeConfigVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opc_publisher_node_config_version",
			Help: "Current in-memory NodeConfigVersion.",
		}),
		KeepAliveMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_keepalive_misses_total",
			Help: "Total number of missed keep-alive publishes across all sessions.",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_reconnects_total",
			Help: "Total number of internal session disconnect/reconnect cycles.",
		}),
		HubQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opc_publisher_hub_queue_depth",
			Help: "Current depth of the hub sender's bounded queue.",
		}),
		HubBatchesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_hub_batches_sent_total",
			Help: "Total number of batches successfully sent to the hub.",
		}),
		HubBatchesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_hub_batches_failed_total",
			Help: "Total number of batch send attempts that failed (including ones later retried).",
		}),
		HubBatchesLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opc_publisher_hub_batches_lost_total",
			Help: "Total number of batches dropped after exhausting retries.",
		}),
		HubBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opc_publisher_hub_batch_duration_seconds",
			Help:    "Duration of hub batch send operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}
}
