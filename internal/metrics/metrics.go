// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes gauges for live subscriptions and companion connections, counters
// for arrivals, notifications, presence and fan-out writes, and a histogram
// for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSubscriptions tracks the number of open message stream subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudchat_active_subscriptions",
		Help: "Current number of open message stream subscriptions",
	})

	// ArrivalsTotal counts messages classified as new arrivals, by room kind.
	ArrivalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_arrivals_total",
		Help: "Messages observed after the backfill boundary",
	}, []string{"room_kind"}) // room_kind = "direct", "group"

	// StreamErrorsTotal counts subscriptions that ended with an error.
	StreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_stream_errors_total",
		Help: "Message stream subscriptions that failed",
	}, []string{"room_kind"})

	// NotificationsTotal counts notification decisions per channel.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_notifications_total",
		Help: "Notification side effects by channel and outcome",
	}, []string{"channel", "outcome"}) // channel = "toast", "sound", "desktop"; outcome = "fired", "failed", "skipped"

	// NotificationsSuppressed counts arrivals that produced no notification.
	NotificationsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_notifications_suppressed_total",
		Help: "Arrivals dropped before any notification channel",
	}, []string{"reason"}) // reason = "self", "duplicate", "disabled"

	// PresenceWritesTotal counts presence heartbeats and offline writes.
	PresenceWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_presence_writes_total",
		Help: "Presence record writes",
	}, []string{"state", "outcome"}) // state = "online", "offline"; outcome = "ok", "error"

	// FanoutWritesTotal counts per-recipient group notification writes.
	FanoutWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_fanout_writes_total",
		Help: "Group invitation notification writes",
	}, []string{"outcome"}) // outcome = "ok", "error", "retried"

	// MessagesSentTotal counts composer sends.
	MessagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudchat_messages_sent_total",
		Help: "Messages submitted by the local composer",
	}, []string{"outcome"}) // outcome = "sent", "rejected", "upload_failed", "append_failed"

	// SendLatency records the time from send to append acknowledgement.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cloudchat_send_latency_seconds",
		Help:    "Message send latency in seconds, including image upload",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// BridgeConnections tracks connected desktop notification companions.
	BridgeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudchat_bridge_connections",
		Help: "Current number of connected desktop notification companions",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSubscriptions,
		ArrivalsTotal,
		StreamErrorsTotal,
		NotificationsTotal,
		NotificationsSuppressed,
		PresenceWritesTotal,
		FanoutWritesTotal,
		MessagesSentTotal,
		SendLatency,
		BridgeConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
