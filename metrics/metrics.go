package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dnswatch Prometheus collectors.
type Metrics struct {
	// Capture path
	FramesCaptured   *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	ResponsesSkipped prometheus.Counter

	// Hand-off to sinks
	RecordsDropped *prometheus.CounterVec

	// Aggregator
	QueriesIngested prometheus.Counter
	RetainedQueries prometheus.Gauge
	QueriesPerSec   prometheus.Gauge
	SnapshotSaves   *prometheus.CounterVec
	RecordsPruned   prometheus.Counter

	// Export
	RecordsExported prometheus.Counter
}

// New creates the collectors. They are not registered until Register is called.
func New() *Metrics {
	return &Metrics{
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnswatch_frames_captured_total",
			Help: "Frames read from capture sources",
		}, []string{"source"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnswatch_decode_failures_total",
			Help: "Frames or messages dropped by the decoder, by reason",
		}, []string{"reason"}),
		ResponsesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswatch_responses_skipped_total",
			Help: "Decoded DNS responses that were not forwarded to sinks",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnswatch_records_dropped_total",
			Help: "Decoded queries dropped because a sink queue was full",
		}, []string{"sink"}),
		QueriesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswatch_queries_ingested_total",
			Help: "Queries ingested by the aggregator",
		}),
		RetainedQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnswatch_retained_queries",
			Help: "Queries currently inside the retention window",
		}),
		QueriesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnswatch_queries_per_second",
			Help: "Ingest rate over the last rate interval",
		}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnswatch_snapshot_saves_total",
			Help: "Snapshot persistence attempts, by result",
		}, []string{"result"}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswatch_records_pruned_total",
			Help: "Retained queries removed by pruning",
		}),
		RecordsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnswatch_records_exported_total",
			Help: "Queries written to ClickHouse",
		}),
	}
}

// Register adds every collector to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.FramesCaptured,
		m.DecodeFailures,
		m.ResponsesSkipped,
		m.RecordsDropped,
		m.QueriesIngested,
		m.RetainedQueries,
		m.QueriesPerSec,
		m.SnapshotSaves,
		m.RecordsPruned,
		m.RecordsExported,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
