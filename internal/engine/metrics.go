package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_engine_requests_total",
		Help: "Total number of engine requests by kernel and status code",
	}, []string{"op", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stride_engine_request_duration_seconds",
		Help:    "Time spent processing a request, including transfers",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	pixelsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_engine_pixels_processed_total",
		Help: "The total number of pixels processed",
	})
)
