package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_fetched_total",
		Help: "no. of successful paste fetches",
	})
	PasteUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_paste_unavailable_total",
			Help: "no. of fetches refused, by reason",
		},
		[]string{"reason"},
	)
	ViewsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_views_exhausted_total",
		Help: "no. of fetches that consumed the last allowed view",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_cache_hits_total",
			Help: "no. of snapshot cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_cache_misses_total",
		Help: "no. of snapshot cache misses",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_store_errors_total",
			Help: "no. of storage errors, by operation",
		},
		[]string{"op"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PrunedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_pruned_pastes_total",
		Help: "no. of expired paste records removed",
	})
)

const (
	ReasonNotFound  = "not_found"
	ReasonExpired   = "expired"
	ReasonExhausted = "exhausted"
)
