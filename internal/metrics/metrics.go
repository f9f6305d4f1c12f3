// Package metrics registers the prometheus collectors served on /metrics.
// Labels never carry user or bot identifiers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UpdatesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonrelay_updates_received_total",
		Help: "Webhook updates accepted for processing, by update kind.",
	}, []string{"kind"})

	UpdatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_updates_dropped_total",
		Help: "Updates rejected because a runtime queue was full.",
	})

	WebhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonrelay_webhook_rejected_total",
		Help: "Webhook requests refused before processing, by reason.",
	}, []string{"reason"})

	RelayDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonrelay_relay_delivered_total",
		Help: "Messages delivered to admins, by send mode.",
	}, []string{"mode"})

	ActiveRuntimes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonrelay_active_runtimes",
		Help: "Bot runtimes currently resident in the cache.",
	})

	RuntimeEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_runtime_evictions_total",
		Help: "Bot runtimes torn down by cache pressure or revocation.",
	})

	TelegramErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonrelay_telegram_errors_total",
		Help: "Failed Bot API calls, by method.",
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(
		UpdatesReceived,
		UpdatesDropped,
		WebhookRejected,
		RelayDelivered,
		ActiveRuntimes,
		RuntimeEvictions,
		TelegramErrors,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
