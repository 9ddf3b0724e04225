package buddy

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	totalUnitsDesc = prometheus.NewDesc(
		"generalos_buddy_total_units",
		"Number of units managed by the allocator.",
		[]string{"allocator"}, nil,
	)
	allocatedUnitsDesc = prometheus.NewDesc(
		"generalos_buddy_allocated_units",
		"Number of units currently handed out by the allocator.",
		[]string{"allocator"}, nil,
	)
	freeBlocksDesc = prometheus.NewDesc(
		"generalos_buddy_free_blocks",
		"Number of free blocks per order.",
		[]string{"allocator", "order"}, nil,
	)
)

// Collector exports the counters of one or more allocators. Values are read
// at scrape time.
type Collector struct {
	allocators []*Allocator
}

// NewCollector returns a collector reporting on the supplied allocators.
func NewCollector(allocators ...*Allocator) *Collector {
	return &Collector{allocators: allocators}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- totalUnitsDesc
	ch <- allocatedUnitsDesc
	ch <- freeBlocksDesc
}

// Collect implements prometheus.Collector. Empty free lists are not
// reported.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range c.allocators {
		stats := a.Stats()

		ch <- prometheus.MustNewConstMetric(totalUnitsDesc, prometheus.GaugeValue, float64(stats.Total), a.name)
		ch <- prometheus.MustNewConstMetric(allocatedUnitsDesc, prometheus.GaugeValue, float64(stats.Allocated), a.name)
		for order, count := range stats.FreeBlocks {
			if count == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(freeBlocksDesc, prometheus.GaugeValue, float64(count), a.name, strconv.Itoa(order))
		}
	}
}
