package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the service collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	SettlementsTotal     *prometheus.CounterVec
	LedgerMutationsTotal *prometheus.CounterVec
	LedgerCASRetries     prometheus.Counter
	OutboxMessages       *prometheus.GaugeVec
	OutboxDispatchTotal  *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlements processed, by transaction type and result.",
		}, []string{"type", "result"}),
		LedgerMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_mutations_total",
			Help: "Balance mutations applied, by operation and update path.",
		}, []string{"op", "path"}),
		LedgerCASRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_cas_retries_total",
			Help: "Optimistic balance updates retried after a version conflict.",
		}),
		OutboxMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_messages",
			Help: "Outbox messages by status.",
		}, []string{"status"}),
		OutboxDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox dispatch attempts, by topic and result.",
		}, []string{"topic", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.Registry.MustRegister(
		m.SettlementsTotal,
		m.LedgerMutationsTotal,
		m.LedgerCASRetries,
		m.OutboxMessages,
		m.OutboxDispatchTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
