package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_claims_total", Help: "Optimistic claim outcomes"},
		[]string{"result"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_transitions_total", Help: "Terminal status transitions"},
		[]string{"status"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_deliveries_total", Help: "Delivery outcomes"},
		[]string{"result"},
	)
	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mailtask_delivery_latency_seconds", Help: "Transport send latency"},
	)
	ProviderSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_provider_send_total", Help: "Mail provider call outcomes"},
		[]string{"result", "http_status"},
	)
	Persists = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_persists_total", Help: "Archival outcomes"},
		[]string{"result"},
	)
	Scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_scans_total", Help: "Batch scan outcomes"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_enqueue_total", Help: "Delivery job enqueue results"},
		[]string{"result"},
	)
	DedupSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailtask_dedup_skips_total", Help: "Executions skipped by the dedup guard"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Claims, Transitions, Deliveries, DeliveryLatency, ProviderSends,
		Persists, Scans, Enqueues, DedupSkips)
}
