package cache

import "github.com/prometheus/client_golang/prometheus"

// StatsSource is anything exposing cache counters.
type StatsSource interface {
	Stats() Stats
}

// Collector exports the counters of one named cache.
type Collector struct {
	source StatsSource

	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	expired   *prometheus.Desc
	entries   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(name string, source StatsSource) *Collector {
	labels := prometheus.Labels{"cache": name}
	return &Collector{
		source:    source,
		hits:      prometheus.NewDesc("simquota_cache_hits_total", "Lookups answered from the cache.", nil, labels),
		misses:    prometheus.NewDesc("simquota_cache_misses_total", "Lookups that were absent or expired.", nil, labels),
		evictions: prometheus.NewDesc("simquota_cache_evictions_total", "Entries dropped to stay within capacity.", nil, labels),
		expired:   prometheus.NewDesc("simquota_cache_expired_total", "Entries dropped after their TTL.", nil, labels),
		entries:   prometheus.NewDesc("simquota_cache_entries", "Entries currently held.", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expired
	ch <- c.entries
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue, float64(s.Expired))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Size))
}
