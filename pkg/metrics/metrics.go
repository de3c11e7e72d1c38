package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tributary_build_info",
			Help: "Build information of the Tributary vault service",
		},
		[]string{"version", "commit", "date"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_operations_total",
			Help: "Total number of vault operations",
		},
		[]string{"operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tributary_operation_duration_seconds",
			Help:    "Duration of vault operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
		[]string{"operation"},
	)

	ConversionNoOpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tributary_conversion_noops_total",
			Help: "Total number of conversion triggers with nothing pending",
		},
	)

	ConversionParticipants = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tributary_conversion_participants",
			Help:    "Number of benefactors participating in a conversion round",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)
