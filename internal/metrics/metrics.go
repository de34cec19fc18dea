// Package metrics exposes Prometheus collectors for hub runtimes.
//
// One Collector is shared by every configuration entry; each series carries
// an "entry" label. The collector satisfies both hub.Metrics and
// remote.Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/bacnet-hub/internal/hub"
	"github.com/nerrad567/bacnet-hub/internal/remote"
)

// Namespace prefixes every metric name.
const Namespace = "bacnethub"

// Collector holds the hub and remote metric vectors on a private registry.
type Collector struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	changes       *prometheus.CounterVec
	mappings      *prometheus.GaugeVec
	writes        *prometheus.CounterVec
	points        *prometheus.GaugeVec
	covs          *prometheus.CounterVec
}

var (
	_ hub.Metrics    = (*Collector)(nil)
	_ remote.Metrics = (*Collector)(nil)
)

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_cycles_total",
			Help:      "Completed reconciliation cycles.",
		}, []string{"entry"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Reconciliation cycle duration.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"entry"}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mapping_changes_total",
			Help:      "Mappings created, updated or retired by reconciliation.",
		}, []string{"entry", "kind"}),
		mappings: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mappings",
			Help:      "Live mappings in the mapping table.",
		}, []string{"entry"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "writeback_total",
			Help:      "BACnet writes received by the hub, by result.",
		}, []string{"entry", "result"}),
		points: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "remote_points",
			Help:      "Imported remote points by subscription state.",
		}, []string{"entry", "state"}),
		covs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cov_notifications_total",
			Help:      "COV notifications accepted from remote clients.",
		}, []string{"entry"}),
	}
}

// ObserveCycle records one completed reconciliation.
func (c *Collector) ObserveCycle(entryID string, d time.Duration, created, updated, retired int) {
	c.cycles.WithLabelValues(entryID).Inc()
	c.cycleDuration.WithLabelValues(entryID).Observe(d.Seconds())
	c.changes.WithLabelValues(entryID, "created").Add(float64(created))
	c.changes.WithLabelValues(entryID, "updated").Add(float64(updated))
	c.changes.WithLabelValues(entryID, "retired").Add(float64(retired))
}

// SetMappings records the live mapping count.
func (c *Collector) SetMappings(entryID string, n int) {
	c.mappings.WithLabelValues(entryID).Set(float64(n))
}

// ObserveWrite counts an accepted or rejected BACnet write.
func (c *Collector) ObserveWrite(entryID string, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.writes.WithLabelValues(entryID, result).Inc()
}

// SetPointStates records subscribed and lost imported point counts.
func (c *Collector) SetPointStates(entryID string, subscribed, lost int) {
	c.points.WithLabelValues(entryID, "subscribed").Set(float64(subscribed))
	c.points.WithLabelValues(entryID, "lost").Set(float64(lost))
}

// ObserveCOV counts one accepted COV notification.
func (c *Collector) ObserveCOV(entryID string) {
	c.covs.WithLabelValues(entryID).Inc()
}

// Forget drops every series of an entry, used when its runtime is removed.
func (c *Collector) Forget(entryID string) {
	labels := prometheus.Labels{"entry": entryID}
	c.cycles.DeletePartialMatch(labels)
	c.cycleDuration.DeletePartialMatch(labels)
	c.changes.DeletePartialMatch(labels)
	c.mappings.DeletePartialMatch(labels)
	c.writes.DeletePartialMatch(labels)
	c.points.DeletePartialMatch(labels)
	c.covs.DeletePartialMatch(labels)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
