package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chillspace_cache_requests_total",
			Help: "Entity cache lookups by slot and result (hit, miss, error).",
		},
		[]string{"slot", "result"},
	)

	RemoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chillspace_remote_call_duration_seconds",
			Help:    "Latency of calls to the remote data service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "collection"},
	)

	RemoteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chillspace_remote_errors_total",
			Help: "Failed remote calls by operation and error kind.",
		},
		[]string{"op", "kind"},
	)

	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chillspace_mutations_total",
			Help: "Optimistic mutations by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chillspace_subscriptions_active",
			Help: "Realtime subscriptions currently open.",
		},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chillspace_outbox_pending",
			Help: "Failed sends waiting for redelivery.",
		},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chillspace_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(CacheRequests)
	prometheus.MustRegister(RemoteCallDuration)
	prometheus.MustRegister(RemoteErrors)
	prometheus.MustRegister(Mutations)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(OutboxPending)
	prometheus.MustRegister(heapAlloc)
}
