package kv

import (
	"github.com/boltdb/bolt"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	boltFreePagesDesc = prometheus.NewDesc(
		"boltdb_freelist_free_pages",
		"Number of free pages on the bolt freelist.",
		nil, nil,
	)
	boltPendingPagesDesc = prometheus.NewDesc(
		"boltdb_freelist_pending_pages",
		"Number of pending pages on the bolt freelist.",
		nil, nil,
	)
	boltFreelistBytesDesc = prometheus.NewDesc(
		"boltdb_freelist_allocated_bytes",
		"Total bytes allocated in the bolt freelist.",
		nil, nil,
	)
	boltTxTotalDesc = prometheus.NewDesc(
		"boltdb_tx_started_total",
		"Total number of started read transactions.",
		nil, nil,
	)
	boltOpenTxDesc = prometheus.NewDesc(
		"boltdb_tx_open",
		"Number of currently open read transactions.",
		nil, nil,
	)
)

// boltCollector exposes bolt runtime statistics through the Prometheus
// DefaultRegisterer.
type boltCollector struct {
	db *bolt.DB
}

func newBoltCollector(db *bolt.DB) prometheus.Collector {
	return &boltCollector{db: db}
}

// Describe implements prometheus.Collector.
func (c *boltCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- boltFreePagesDesc
	ch <- boltPendingPagesDesc
	ch <- boltFreelistBytesDesc
	ch <- boltTxTotalDesc
	ch <- boltOpenTxDesc
}

// Collect implements prometheus.Collector.
func (c *boltCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(boltFreePagesDesc, prometheus.GaugeValue, float64(stats.FreePageN))
	ch <- prometheus.MustNewConstMetric(boltPendingPagesDesc, prometheus.GaugeValue, float64(stats.PendingPageN))
	ch <- prometheus.MustNewConstMetric(boltFreelistBytesDesc, prometheus.GaugeValue, float64(stats.FreeAlloc))
	ch <- prometheus.MustNewConstMetric(boltTxTotalDesc, prometheus.CounterValue, float64(stats.TxN))
	ch <- prometheus.MustNewConstMetric(boltOpenTxDesc, prometheus.GaugeValue, float64(stats.OpenTxN))
}
