// Package metrics exposes node and session statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/segswarm/internal/engine"
)

const namespace = "segswarm"

// Metrics holds the Prometheus registry and the node's own instruments.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	swarms        prometheus.Gauge
	swarmPeers    *prometheus.GaugeVec
}

// New creates and registers the node metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_errors_total",
		Help:      "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	swarms := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rendezvous",
		Name:      "swarms",
		Help:      "Number of swarms with at least one member",
	})
	swarmPeers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rendezvous",
		Name:      "swarm_peers",
		Help:      "Members per swarm",
	}, []string{"info_hash"})

	registry.MustRegister(requestsTotal, errorsTotal, swarms, swarmPeers)

	return &Metrics{
		registry:      registry,
		requestsTotal: requestsTotal,
		errorsTotal:   errorsTotal,
		swarms:        swarms,
		swarmPeers:    swarmPeers,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetSwarmSizes replaces the rendezvous swarm gauges.
func (m *Metrics) SetSwarmSizes(sizes map[string]int) {
	m.swarmPeers.Reset()
	for hash, n := range sizes {
		m.swarmPeers.WithLabelValues(hash).Set(float64(n))
	}
	m.swarms.Set(float64(len(sizes)))
}

// RegisterEngine exports the statistics of an engine session on every
// scrape.
func (m *Metrics) RegisterEngine(stats func() engine.Stats) error {
	return m.registry.Register(newEngineCollector(stats))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}

// engineCollector turns engine snapshots into const metrics.
type engineCollector struct {
	stats func() engine.Stats

	loads         *prometheus.Desc
	bytes         *prometheus.Desc
	failures      *prometheus.Desc
	uploaded      *prometheus.Desc
	liveRequests  *prometheus.Desc
	httpBandwidth *prometheus.Desc
	storageUsed   *prometheus.Desc
	storageCap    *prometheus.Desc
	peers         *prometheus.Desc
	broadcasts    *prometheus.Desc
}

func newEngineCollector(stats func() engine.Stats) *engineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "engine", name), help, labels, nil)
	}
	return &engineCollector{
		stats:         stats,
		loads:         desc("loads_total", "Segment loads by source", "session_id", "source"),
		bytes:         desc("bytes_total", "Segment bytes delivered by source", "session_id", "source"),
		failures:      desc("failures_total", "Segment loads that exhausted every source", "session_id"),
		uploaded:      desc("uploaded_bytes_total", "Bytes served to peers", "session_id"),
		liveRequests:  desc("live_requests", "Segment loads in flight", "session_id"),
		httpBandwidth: desc("http_bandwidth_bytes_per_second", "Smoothed origin throughput", "session_id"),
		storageUsed:   desc("storage_used_bytes", "Resident segment bytes", "session_id"),
		storageCap:    desc("storage_capacity_bytes", "Segment storage budget", "session_id"),
		peers:         desc("peers", "Connected peers per stream", "session_id", "stream_id"),
		broadcasts:    desc("broadcasts_total", "Availability broadcasts per stream", "session_id", "stream_id"),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.loads, c.bytes, c.failures, c.uploaded, c.liveRequests,
		c.httpBandwidth, c.storageUsed, c.storageCap, c.peers, c.broadcasts,
	} {
		ch <- d
	}
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	id := st.SessionID

	for source, n := range st.Loads {
		ch <- prometheus.MustNewConstMetric(c.loads, prometheus.CounterValue, float64(n), id, string(source))
	}
	for source, n := range st.Bytes {
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(n), id, string(source))
	}
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(st.Failures), id)
	ch <- prometheus.MustNewConstMetric(c.uploaded, prometheus.CounterValue, float64(st.UploadedBytes), id)
	ch <- prometheus.MustNewConstMetric(c.liveRequests, prometheus.GaugeValue, float64(st.LiveRequests), id)
	ch <- prometheus.MustNewConstMetric(c.httpBandwidth, prometheus.GaugeValue, st.HTTPBandwidth, id)
	ch <- prometheus.MustNewConstMetric(c.storageUsed, prometheus.GaugeValue, float64(st.Storage.Used), id)
	ch <- prometheus.MustNewConstMetric(c.storageCap, prometheus.GaugeValue, float64(st.Storage.Capacity), id)
	for _, s := range st.Swarms {
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(s.Peers), id, s.StreamID)
		ch <- prometheus.MustNewConstMetric(c.broadcasts, prometheus.CounterValue, float64(s.Broadcasts), id, s.StreamID)
	}
}
