// Package metrics registers the Prometheus instruments shared by the
// engines. All instruments live on a dedicated registry so tests can create
// isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the engines record into.
type Metrics struct {
	Registry *prometheus.Registry

	EventsIngested  *prometheus.CounterVec
	EventsDeduped   prometheus.Counter
	EventsDeferred  *prometheus.CounterVec
	EventsDead      *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	OutboxPending   prometheus.Gauge
	EventsPublished *prometheus.CounterVec

	PositionCalcDuration  prometheus.Histogram
	InventoryCalcDuration *prometheus.HistogramVec
	ValidationDuration    prometheus.Histogram
	ValidationResults     *prometheus.CounterVec
	LocateDecisions       *prometheus.CounterVec
	LocatesExpired        prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	RuleSetVersion prometheus.Gauge
	Quarantined    prometheus.Gauge
}

// New creates a registry with all instruments plus the standard Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,

		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_events_ingested_total",
			Help: "Events accepted by the dispatcher, by subtype.",
		}, []string{"subtype"}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ims_events_deduped_total",
			Help: "Events dropped as duplicates inside the dedup window.",
		}),
		EventsDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_events_deferred_total",
			Help: "Events requeued for retry, by error class.",
		}, []string{"class"}),
		EventsDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_events_dead_lettered_total",
			Help: "Events routed to the dead letter store, by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ims_partition_queue_depth",
			Help: "Pending events per worker partition.",
		}, []string{"partition"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ims_outbox_pending",
			Help: "Unpublished entries in the egress outbox.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_events_published_total",
			Help: "Events published to egress topics, by topic.",
		}, []string{"topic"}),

		PositionCalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ims_position_calc_seconds",
			Help:    "Position recalculation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		InventoryCalcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ims_inventory_calc_seconds",
			Help:    "Inventory calculation latency, by calculation type.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"calculation"}),
		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ims_shortsell_validation_seconds",
			Help:    "Short sell validation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		ValidationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_shortsell_validations_total",
			Help: "Short sell validation outcomes, by result and reason.",
		}, []string{"result", "reason"}),
		LocateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ims_locate_decisions_total",
			Help: "Locate request decisions, by outcome.",
		}, []string{"outcome"}),
		LocatesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ims_locates_expired_total",
			Help: "Approved locates expired by the sweep job.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ims_availability_cache_hits_total",
			Help: "Availability cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ims_availability_cache_misses_total",
			Help: "Availability cache misses.",
		}),

		RuleSetVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ims_ruleset_generation",
			Help: "Generation counter of the active compiled rule set.",
		}),
		Quarantined: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ims_quarantined_keys",
			Help: "Keys currently excluded from processing.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsDeduped, m.EventsDeferred, m.EventsDead,
		m.QueueDepth, m.OutboxPending, m.EventsPublished,
		m.PositionCalcDuration, m.InventoryCalcDuration,
		m.ValidationDuration, m.ValidationResults,
		m.LocateDecisions, m.LocatesExpired,
		m.CacheHits, m.CacheMisses,
		m.RuleSetVersion, m.Quarantined,
	)
	return m
}
