package application

import "github.com/prometheus/client_golang/prometheus"

var (
	presenceFlips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_flips_total",
			Help: "Online/offline transitions observed by this instance.",
		},
		[]string{"direction"},
	)
	storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_store_errors_total",
			Help: "Store failures that were degraded to defaults.",
		},
		[]string{"op"},
	)
	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_notifications_total",
			Help: "Envelopes handed to local connections, by event code.",
		},
		[]string{"code"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_relay_messages_total",
			Help: "Cross-instance messages received, by result.",
		},
		[]string{"bus", "result"},
	)
	subscribeRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_subscribe_restarts_total",
			Help: "Subscription loops restarted after exiting.",
		},
		[]string{"loop"},
	)
)

// RegisterMetrics 由 main 注册
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(presenceFlips, storeErrors, notificationsSent, relayMessages, subscribeRestarts)
}
