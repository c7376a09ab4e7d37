package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricZonesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbridge_zones_pushed_total",
		Help: "Zone save requests accepted at ingress.",
	})
	metricZonesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbridge_zones_deleted_total",
		Help: "Zone delete requests accepted at ingress.",
	})
	metricBackendWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsbridge_backend_writes_total",
		Help: "Backend write attempts by backend and result.",
	}, []string{"backend", "result"})
	metricRetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbridge_retries_scheduled_total",
		Help: "Retry items enqueued after backend failures.",
	})
	metricDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbridge_dead_letters_total",
		Help: "Items dead-lettered after exhausting retries.",
	})
	metricReconcilerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsbridge_reconciler_runs_total",
		Help: "Reconciliation passes by result.",
	}, []string{"result"})
	metricPeerSyncFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbridge_peer_sync_failures_total",
		Help: "Failed peer sync attempts.",
	})
	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dnsbridge_queue_depth",
		Help: "Current depth of the durable queues.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		metricZonesPushed,
		metricZonesDeleted,
		metricBackendWrites,
		metricRetriesScheduled,
		metricDeadLetters,
		metricReconcilerRuns,
		metricPeerSyncFailures,
		metricQueueDepth,
	)
}
