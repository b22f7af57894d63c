// Package metrics holds the Prometheus collectors for the account engine.
// Every method is safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the engine
type Collector struct {
	// Registry for this collector instance
	registry *prometheus.Registry

	// Relay metrics
	RelayConnects *prometheus.CounterVec
	RelayPublish  *prometheus.CounterVec

	// Resolution metrics
	DedupeRequests    *prometheus.CounterVec
	MetadataFallbacks prometheus.Counter
	RelayListLookups  *prometheus.CounterVec

	// Membership metrics
	MembershipEvents *prometheus.CounterVec
	GroupQueries     *prometheus.CounterVec

	// Session metrics
	SnapshotsPublished prometheus.Counter
}

// NewCollector creates a new metrics collector with the given namespace.
// Metrics are registered on a private registry, so collectors never clash in tests.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		RelayConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_connects_total",
				Help:      "Relay connection attempts by result",
			},
			[]string{"result"},
		),
		RelayPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_publish_total",
				Help:      "Events published to relays by result",
			},
			[]string{"result"},
		),
		DedupeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedupe_requests_total",
				Help:      "Deduplicated lookups by outcome (hit, shared, fetch)",
			},
			[]string{"outcome"},
		),
		MetadataFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_fallbacks_total",
				Help:      "Metadata resolutions that fell back to the minimal record",
			},
		),
		RelayListLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_list_lookups_total",
				Help:      "Write relay lookups by outcome (cached, found, none)",
			},
			[]string{"outcome"},
		),
		MembershipEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "membership_events_total",
				Help:      "Membership list events by outcome (accepted, stale, malformed)",
			},
			[]string{"outcome"},
		),
		GroupQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "group_queries_total",
				Help:      "Group metadata queries by result (ok, missing, error)",
			},
			[]string{"result"},
		),
		SnapshotsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_published_total",
				Help:      "Account snapshots persisted and sent to observers",
			},
		),
	}

	registry.MustRegister(
		c.RelayConnects,
		c.RelayPublish,
		c.DedupeRequests,
		c.MetadataFallbacks,
		c.RelayListLookups,
		c.MembershipEvents,
		c.GroupQueries,
		c.SnapshotsPublished,
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it)
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RelayConnect(result string) {
	if c == nil {
		return
	}
	c.RelayConnects.WithLabelValues(result).Inc()
}

func (c *Collector) Publish(result string) {
	if c == nil {
		return
	}
	c.RelayPublish.WithLabelValues(result).Inc()
}

func (c *Collector) Dedupe(outcome string) {
	if c == nil {
		return
	}
	c.DedupeRequests.WithLabelValues(outcome).Inc()
}

func (c *Collector) MetadataFallback() {
	if c == nil {
		return
	}
	c.MetadataFallbacks.Inc()
}

func (c *Collector) RelayListLookup(outcome string) {
	if c == nil {
		return
	}
	c.RelayListLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) MembershipEvent(outcome string) {
	if c == nil {
		return
	}
	c.MembershipEvents.WithLabelValues(outcome).Inc()
}

func (c *Collector) GroupQuery(result string) {
	if c == nil {
		return
	}
	c.GroupQueries.WithLabelValues(result).Inc()
}

func (c *Collector) SnapshotPublished() {
	if c == nil {
		return
	}
	c.SnapshotsPublished.Inc()
}
