package mempool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_pool_hits_total",
		Help: "Total number of allocations served from a class free list",
	})

	poolCarves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_pool_carves_total",
		Help: "Total number of blocks carved from the reserved budget",
	})

	poolFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_pool_fallbacks_total",
		Help: "Total number of active-pool requests served by direct device allocation",
	})

	poolReservedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_pool_reserved_bytes",
		Help: "Bytes currently reserved by active pools",
	})

	poolOutstandingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_pool_outstanding_bytes",
		Help: "Class bytes currently lent out by the most recently used pool",
	})
)
