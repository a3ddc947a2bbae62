package replica

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeusync/worldstore/internal/core/table"
)

// Collector exports table and index sizes of a replica on scrape.
type Collector struct {
	r *Replica

	entities  *prometheus.Desc
	indexSize *prometheus.Desc
	tick      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(r *Replica) *Collector {
	labels := prometheus.Labels{"replica": r.cfg.Name}
	return &Collector{
		r: r,
		entities: prometheus.NewDesc(
			"worldstore_replica_entities",
			"Entities held by the replica table",
			nil, labels,
		),
		indexSize: prometheus.NewDesc(
			"worldstore_replica_index_size",
			"Entries per registered index",
			[]string{"index"}, labels,
		),
		tick: prometheus.NewDesc(
			"worldstore_replica_tick",
			"Highest entity version applied",
			nil, labels,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entities
	ch <- c.indexSize
	ch <- c.tick
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.r.Read(func(t *table.Table) {
		ch <- prometheus.MustNewConstMetric(c.entities, prometheus.GaugeValue, float64(t.Len()))
		ch <- prometheus.MustNewConstMetric(c.tick, prometheus.GaugeValue, float64(t.Tick()))
		for name, size := range t.MetaIndex().Sizes() {
			ch <- prometheus.MustNewConstMetric(c.indexSize, prometheus.GaugeValue, float64(size), name)
		}
	})
}
