// Package rmetrics exposes the Prometheus gauges and counters shared
// across reelcache components, in the promauto style of
// internal/metrics.
package rmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InFlightDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelcache",
		Name:      "inflight_downloads",
		Help:      "Number of prefetch controller download slots currently reserved.",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelcache",
		Name:      "cache_bytes",
		Help:      "Total bytes currently referenced by the cache index.",
	})

	EvictionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reelcache",
		Name:      "eviction_runs_total",
		Help:      "Total number of eviction passes executed (throttled or forced).",
	})

	EvictionEntriesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reelcache",
		Name:      "eviction_entries_removed_total",
		Help:      "Total number of cache entries removed by eviction.",
	})

	EvictionBytesFreed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reelcache",
		Name:      "eviction_bytes_freed_total",
		Help:      "Total bytes freed by eviction passes.",
	})

	NetworkClass = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reelcache",
		Name:      "network_class",
		Help:      "Current network class (1 = active, 0 = inactive), one series per class.",
	}, []string{"class"})

	NetworkBandwidthKiBs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reelcache",
		Name:      "network_bandwidth_kibs",
		Help:      "Rolling-average estimated bandwidth in KiB/s.",
	})

	PrefetchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reelcache",
		Name:      "prefetch_queue_depth",
		Help:      "Number of queued prefetch requests by priority.",
	}, []string{"priority"})
)

var networkClasses = []string{"wifi", "fiveG", "fourG", "slow", "offline"}

// SetNetworkClass records the active network classification.
func SetNetworkClass(active string) {
	for _, c := range networkClasses {
		v := 0.0
		if c == active {
			v = 1.0
		}
		NetworkClass.WithLabelValues(c).Set(v)
	}
}
