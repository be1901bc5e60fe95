package dune

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dune_sync", Subsystem: "dune", Name: "requests_total",
		Help: "Dune API requests by HTTP status (or \"error\" for transport failures)",
	}, []string{"code"})

	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dune_sync", Subsystem: "dune", Name: "request_duration_seconds",
		Help:    "Latency of a single Dune API request",
		Buckets: prometheus.DefBuckets,
	})

	rowsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dune_sync", Subsystem: "dune", Name: "rows_fetched_total",
		Help: "Rows received across all pages",
	})
)

// RegisterMetrics registers client collectors once; duplicates are ignored.
func RegisterMetrics(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		for _, c := range []prometheus.Collector{requestsTotal, requestDuration, rowsFetched} {
			_ = r.Register(c)
		}
	})
}
