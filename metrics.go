package archivist

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the archive's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ItemsTotal      *prometheus.CounterVec
	DownloadedBytes prometheus.Counter
	IndexCommit     prometheus.Histogram
	ReindexedTotal  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "archivist",
				Name:      "ingest_items_total",
				Help:      "Items processed by ingestion, by outcome",
			},
			[]string{"outcome"}, // committed / skipped / failed
		),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archivist",
			Name:      "download_bytes_total",
			Help:      "Payload bytes spooled to disk",
		}),
		IndexCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archivist",
			Name:      "index_commit_seconds",
			Help:      "Search index add+commit latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		ReindexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archivist",
			Name:      "reindexed_records_total",
			Help:      "Records replayed by reindex",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.ItemsTotal, m.DownloadedBytes, m.IndexCommit, m.ReindexedTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) item(outcome Outcome) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) downloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadedBytes.Add(float64(n))
}

func (m *Metrics) commit(start time.Time) {
	if m == nil {
		return
	}
	m.IndexCommit.Observe(time.Since(start).Seconds())
}

func (m *Metrics) reindexed() {
	if m == nil {
		return
	}
	m.ReindexedTotal.Inc()
}
