package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deviceAllocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_device_allocations_total",
		Help: "Total number of direct device allocations",
	})

	deviceAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stride_device_allocation_failures_total",
		Help: "Total number of device allocations refused for lack of memory",
	})

	deviceAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_device_allocated_bytes",
		Help: "Current device memory allocated in bytes",
	})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stride_stream_task_duration_seconds",
		Help:    "Time spent executing stream tasks",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"task"})
)
