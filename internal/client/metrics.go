package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stride_forward_circuit_state",
		Help: "State of the forwarding circuit breaker (0 closed, 1 open, 2 half-open)",
	})

	forwardedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stride_forward_records_total",
		Help: "Result records forwarded downstream by outcome",
	}, []string{"outcome"})
)
