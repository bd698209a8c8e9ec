// Package metrics collects Prometheus counters for harvest runs and the
// news store.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the set of events the harvester and store report.
type Recorder interface {
	RecordSourceSuccess(sourceID string, items int)
	RecordSourceFailure(sourceID string)
	RecordDetailFetch(sourceID string, ok bool)
	RecordFetchLatency(d time.Duration)
	RecordItemsSaved(inserted, ignored int)
	RecordStatusMiss()
}

// Collector records events into Prometheus metrics.
type Collector struct {
	sourceOK     *prometheus.CounterVec
	sourceFail   *prometheus.CounterVec
	itemsHarvest *prometheus.CounterVec
	detailFetch  *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	itemsSaved   *prometheus.CounterVec
	statusMiss   prometheus.Counter
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sourceOK: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsharvest_source_success_total",
			Help: "Sources harvested without a listing failure.",
		}, []string{"source"}),
		sourceFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsharvest_source_failure_total",
			Help: "Sources whose listing could not be fetched or parsed.",
		}, []string{"source"}),
		itemsHarvest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsharvest_items_harvested_total",
			Help: "Items kept after window filtering and truncation.",
		}, []string{"source"}),
		detailFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsharvest_detail_fetch_total",
			Help: "Detail page fetches by outcome.",
		}, []string{"source", "result"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsharvest_fetch_latency_seconds",
			Help:    "Latency of listing and detail HTTP fetches.",
			Buckets: prometheus.DefBuckets,
		}),
		itemsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsharvest_items_saved_total",
			Help: "Items written to the store, by outcome.",
		}, []string{"result"}),
		statusMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsharvest_status_update_miss_total",
			Help: "Status updates that matched no stored rows.",
		}),
	}

	reg.MustRegister(
		c.sourceOK,
		c.sourceFail,
		c.itemsHarvest,
		c.detailFetch,
		c.fetchLatency,
		c.itemsSaved,
		c.statusMiss,
	)

	return c
}

// RecordSourceSuccess records a harvested source and its kept item count.
func (c *Collector) RecordSourceSuccess(sourceID string, items int) {
	c.sourceOK.WithLabelValues(sourceID).Inc()
	c.itemsHarvest.WithLabelValues(sourceID).Add(float64(items))
}

// RecordSourceFailure records a source-fatal error.
func (c *Collector) RecordSourceFailure(sourceID string) {
	c.sourceFail.WithLabelValues(sourceID).Inc()
}

// RecordDetailFetch records one detail page fetch.
func (c *Collector) RecordDetailFetch(sourceID string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.detailFetch.WithLabelValues(sourceID, result).Inc()
}

// RecordFetchLatency records the duration of one HTTP fetch.
func (c *Collector) RecordFetchLatency(d time.Duration) {
	c.fetchLatency.Observe(d.Seconds())
}

// RecordItemsSaved records the outcome of a store batch.
func (c *Collector) RecordItemsSaved(inserted, ignored int) {
	c.itemsSaved.WithLabelValues("inserted").Add(float64(inserted))
	c.itemsSaved.WithLabelValues("ignored").Add(float64(ignored))
}

// RecordStatusMiss records a status update that touched no rows.
func (c *Collector) RecordStatusMiss() {
	c.statusMiss.Inc()
}

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format, for pickup by a node_exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordSourceSuccess(string, int)  {}
func (Nop) RecordSourceFailure(string)       {}
func (Nop) RecordDetailFetch(string, bool)   {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordItemsSaved(int, int)        {}
func (Nop) RecordStatusMiss()                {}
