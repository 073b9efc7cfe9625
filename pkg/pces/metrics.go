package pces

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the startup reader found and did.
type Metrics struct {
	FilesScanned   prometheus.Counter
	FilesIgnored   prometheus.Counter
	FilesTracked   prometheus.Gauge
	FilesCompacted prometheus.Counter
	FilesPurged    prometheus.Counter
	ReadDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FilesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pces_files_scanned_total",
			Help: "Total number of regular files visited while scanning the event stream directory",
		}),
		FilesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pces_files_ignored_total",
			Help: "Total number of scanned files whose names are not event stream segment names",
		}),
		FilesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pces_files_tracked",
			Help: "Number of segments tracked after the last startup read",
		}),
		FilesCompacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pces_files_compacted_total",
			Help: "Total number of tail segments whose generation span was narrowed at startup",
		}),
		FilesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pces_files_purged_total",
			Help: "Total number of segments recycled to resolve a stream discontinuity",
		}),
		ReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pces_startup_read_duration_seconds",
			Help:    "Time taken to scan, validate and repair the event stream at startup",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FilesScanned,
			m.FilesIgnored,
			m.FilesTracked,
			m.FilesCompacted,
			m.FilesPurged,
			m.ReadDuration,
		)
	}
	return m
}
