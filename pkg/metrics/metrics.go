// Copyright 2025 Webb Technologies
//
// Relayer metrics
// A process-wide Prometheus registry served from the API listener.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the relayer's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	DeadLetters     *prometheus.CounterVec

	TxSubmitted *prometheus.CounterVec
	TxFinalized *prometheus.CounterVec
	TxFailed    *prometheus.CounterVec
	QueueDepth  *prometheus.GaugeVec

	FeeQuotes      prometheus.Counter
	PrivateTxSends prometheus.Counter
}

// New creates and registers the relayer's collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_watcher_events_processed_total",
			Help: "Events delivered to handlers, per chain and watcher.",
		}, []string{"chain", "watcher"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_watcher_handler_errors_total",
			Help: "Handler errors, per chain and watcher.",
		}, []string{"chain", "watcher"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_watcher_dead_letters_total",
			Help: "Events recorded to the dead-letter log.",
		}, []string{"chain", "watcher"}),
		TxSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_tx_submitted_total",
			Help: "Transactions submitted, per chain.",
		}, []string{"chain"}),
		TxFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_tx_finalized_total",
			Help: "Transactions finalized, per chain.",
		}, []string{"chain"}),
		TxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_tx_failed_total",
			Help: "Transactions permanently failed, per chain.",
		}, []string{"chain"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayer_tx_queue_depth",
			Help: "Non-terminal transactions in the queue, per chain.",
		}, []string{"chain"}),
		FeeQuotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_fee_quotes_total",
			Help: "Fee quotes served.",
		}),
		PrivateTxSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayer_private_tx_sends_total",
			Help: "Accepted private-tx withdraw submissions.",
		}),
	}
	reg.MustRegister(
		m.EventsProcessed, m.HandlerErrors, m.DeadLetters,
		m.TxSubmitted, m.TxFinalized, m.TxFailed, m.QueueDepth,
		m.FeeQuotes, m.PrivateTxSends,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
