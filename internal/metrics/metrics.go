// Package metrics exposes the process's Prometheus counters, gauges, and
// histograms over HTTP for scraping. All instruments are registered against
// the default registry at package init, matching the client_golang idiom of
// package-level metric variables.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ObjectsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomrt_objects_received_total",
		Help: "DICOM objects accepted over C-STORE, by modality.",
	}, []string{"modality"})

	PlansGrouped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomrt_plans_grouped_total",
		Help: "RT plans successfully grouped with their related objects.",
	})

	OrphansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicomrt_orphans_created_total",
		Help: "Objects placed under an Unzugeordnet folder for lack of a matching plan.",
	})

	SendsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomrt_sends_attempted_total",
		Help: "C-STORE attempts, by peer and modality.",
	}, []string{"peer", "modality"})

	SendsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomrt_sends_succeeded_total",
		Help: "C-STORE successes, by peer and modality.",
	}, []string{"peer", "modality"})

	SendsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicomrt_sends_failed_total",
		Help: "C-STORE failures, by peer and modality.",
	}, []string{"peer", "modality"})

	ReceiveBufferBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomrt_receive_buffer_backlog",
		Help: "Number of (PatientID, StudyInstanceUID) buckets currently staged in the receive buffer.",
	})

	OutgoingSpoolBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicomrt_outgoing_spool_backlog",
		Help: "Number of folders currently queued under the outgoing spool.",
	})

	AssociationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicomrt_association_duration_seconds",
		Help:    "Wall-clock duration of a single send-engine association, by peer.",
		Buckets: prometheus.DefBuckets,
	}, []string{"peer"})
)

// Serve blocks, serving /metrics in Prometheus text format on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
