package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store lookups that found an entry, by store name
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sw_cache_hits_total",
			Help: "Total number of response store hits",
		},
		[]string{"store"},
	)

	// CacheMisses tracks store lookups that found nothing
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sw_cache_misses_total",
			Help: "Total number of response store misses",
		},
	)

	// CacheErrors tracks backend failures
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sw_cache_errors_total",
			Help: "Total number of response store operation errors",
		},
		[]string{"operation"}, // "open", "match", "put", "delete", "keys", "list", "drop"
	)

	// CacheStores tracks the number of stores seen by the last List call
	CacheStores = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sw_cache_stores",
			Help: "Number of named response stores",
		},
	)
)
