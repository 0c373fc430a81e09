// Package metrics holds the process-wide Prometheus collectors shared by
// the DHT node, announcer and content store, registered once against the
// default registry so a cmd/ouinet-client built-in /metrics endpoint (or an
// external scraper attached to the same registry) sees all of them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AnnounceAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ouinet",
		Subsystem: "announcer",
		Name:      "attempts_total",
		Help:      "Announce attempts made, partitioned by outcome.",
	}, []string{"outcome"})

	AnnounceQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ouinet",
		Subsystem: "announcer",
		Name:      "queue_depth",
		Help:      "Number of content keys currently tracked for re-announcement.",
	})

	StoreEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ouinet",
		Subsystem: "store",
		Name:      "entries",
		Help:      "Approximate number of entries held in the content store's LRU.",
	})

	StoreEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ouinet",
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Entries evicted from the content store's LRU on capacity pressure.",
	})

	DHTLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ouinet",
		Subsystem: "dht",
		Name:      "lookups_total",
		Help:      "Iterative DHT lookups performed, partitioned by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(AnnounceAttempts, AnnounceQueueDepth, StoreEntries, StoreEvictions, DHTLookups)
}
