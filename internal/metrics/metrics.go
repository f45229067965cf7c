// Package metrics declares the service's Prometheus collectors on a private
// registry so tests can build isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicomveil"

// Metrics holds every collector the service exposes.
type Metrics struct {
	registry *prometheus.Registry

	InstancesReceived    prometheus.Counter
	InstancesStored      prometheus.Counter
	InstancesQuarantined *prometheus.CounterVec
	IngestRejections     *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	AnonymizeSeconds     prometheus.Histogram

	MoveStudies  *prometheus.CounterVec
	ExportFiles  prometheus.Counter
	ExportErrors prometheus.Counter

	SnapshotSaves prometheus.Counter
}

// New builds a Metrics instance on a fresh registry with the standard Go and
// process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InstancesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "received_total",
			Help: "Instances accepted off the wire or from local import.",
		}),
		InstancesStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "stored_total",
			Help: "Instances anonymized and written to storage.",
		}),
		InstancesQuarantined: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "quarantined_total",
			Help: "Instances diverted to quarantine by category.",
		}, []string{"category"}),
		IngestRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "rejected_total",
			Help: "C-STORE requests refused before queueing.",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "queue_depth",
			Help: "Instances waiting for an anonymizer worker.",
		}),
		AnonymizeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "anonymize_duration_seconds",
			Help:    "Wall time of one capture, rewrite and store cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		MoveStudies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieve", Name: "studies_total",
			Help: "Study retrievals by final result.",
		}, []string{"result"}),
		ExportFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "files_total",
			Help: "Files sent to an export destination.",
		}),
		ExportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "errors_total",
			Help: "Export send failures.",
		}),
		SnapshotSaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "phi", Name: "snapshot_saves_total",
			Help: "Index snapshot writes.",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterIndexTotals attaches gauges backed by the index's running totals.
func (m *Metrics) RegisterIndexTotals(totals func() (patients, studies, series, instances int)) {
	f := promauto.With(m.registry)
	gauge := func(name, help string, pick func(p, st, se, i int) int) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "phi", Name: name, Help: help,
		}, func() float64 {
			return float64(pick(totals()))
		})
	}
	gauge("patients", "Patients in the pseudonymization index.",
		func(p, st, se, i int) int { return p })
	gauge("studies", "Studies in the pseudonymization index.",
		func(p, st, se, i int) int { return st })
	gauge("series", "Series in the pseudonymization index.",
		func(p, st, se, i int) int { return se })
	gauge("instances", "Instances in the pseudonymization index.",
		func(p, st, se, i int) int { return i })
}
