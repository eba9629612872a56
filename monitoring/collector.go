// Package monitoring exports daemon statistics to Prometheus.
package monitoring

import (
	"github.com/chaindaemon/chaind/daemon"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chaind"

// StatsSource provides the summary the collector exports. *daemon.Daemon
// implements it.
type StatsSource interface {
	Stats() daemon.Stats
}

// Collector is a prometheus.Collector that reads a fresh daemon summary on
// every scrape.
type Collector struct {
	source StatsSource

	height    *prometheus.Desc
	version   *prometheus.Desc
	unchained *prometheus.Desc
	missing   *prometheus.Desc
	runs      *prometheus.Desc
}

// A compile-time check to ensure Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		height: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "height"),
			"Height of the committed chain state.", nil, nil,
		),
		version: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "state_version"),
			"Version of the committed chain state.", nil, nil,
		),
		unchained: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "unchained_headers"),
			"Stored headers not yet linked to the chain graph.",
			nil, nil,
		),
		missing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "missing_data"),
			"Data needed but not found, by kind.",
			[]string{"kind"}, nil,
		),
		runs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker", "runs_total"),
			"Completed worker runs.", []string{"worker"}, nil,
		),
	}
}

// Describe sends the descriptors of every metric the collector exports.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.height
	ch <- c.version
	ch <- c.unchained
	ch <- c.missing
	ch <- c.runs
}

// Collect reads the daemon summary and sends it as metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(
		c.height, prometheus.GaugeValue, float64(stats.Height),
	)
	ch <- prometheus.MustNewConstMetric(
		c.version, prometheus.GaugeValue, float64(stats.Version),
	)
	ch <- prometheus.MustNewConstMetric(
		c.unchained, prometheus.GaugeValue, float64(stats.Unchained),
	)

	for kind, count := range stats.Missing {
		ch <- prometheus.MustNewConstMetric(
			c.missing, prometheus.GaugeValue, float64(count),
			kind.String(),
		)
	}

	for name, runs := range stats.Runs {
		ch <- prometheus.MustNewConstMetric(
			c.runs, prometheus.CounterValue, float64(runs), name,
		)
	}
}
