// Package metrics holds the prometheus collectors shared by the client engine and the mock bank
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safepay_transitions_total",
		Help: "Transaction state transitions, by target state",
	}, []string{"state"})

	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safepay_remote_calls_total",
		Help: "Remote service calls, by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	RemoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safepay_remote_call_duration_seconds",
		Help:    "Remote call latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"endpoint"})

	BankRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mockbank_http_requests_total",
		Help: "Mock bank HTTP requests",
	}, []string{"method", "route", "status"})

	BankLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mockbank_http_request_duration_seconds",
		Help:    "Mock bank request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	BankDebits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mockbank_debits_applied_total",
		Help: "Debits written to the ledger",
	})
)
