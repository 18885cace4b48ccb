package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	servicegraphControllerReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_controller_reconcile_total",
			Help: "Number of reconciliations by controller.",
		},
		[]string{"controller"},
	)
	servicegraphControllerReconcileErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_controller_reconcile_error_total",
			Help: "Number of reconciliation errors by controller.",
		},
		[]string{"controller"},
	)

	serviceManifestRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_servicemanifest_rejected_total",
			Help: "ServiceManifests the engine refused, by reason.",
		},
		[]string{"reason"},
	)

	serviceManifestApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "servicegraph_servicemanifest_apply_duration_seconds",
			Help:    "Time taken to apply a ServiceManifest to the engine, including waiting for removals.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		servicegraphControllerReconcileTotal,
		servicegraphControllerReconcileErrorTotal,
		serviceManifestRejectedTotal,
		serviceManifestApplyDuration,
	)
}
