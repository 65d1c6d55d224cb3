// Package metrics is a thin abstraction over Prometheus, adapted from the
// teacher's pkg/metrics.go. The teacher labels every metric by shard; this
// tracker has no shards, so the label dimension becomes budget
// ("host"/"device"), the axis spec §4.C actually needs split bookkeeping on.
//
// When the caller passes a *prometheus.Registry, labeled metrics are created
// and registered against it; otherwise a no-op sink is used so the
// Coordinator's hot path never pays for metric updates.
//
// © 2025 compsssqaaas authors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink abstracts the concrete backend (Prometheus vs noop) away from
// internal/coordinator and pkg.
type Sink interface {
	IncHit(budget string)
	IncMiss(budget string)
	IncEvict(budget string)
	IncLock(budget string)
	IncProtocolViolation()
	SetLiveBytes(budget string, value int64)
	SetEntries(budget string, value int64)
}

type noopSink struct{}

func (noopSink) IncHit(string)               {}
func (noopSink) IncMiss(string)              {}
func (noopSink) IncEvict(string)             {}
func (noopSink) IncLock(string)              {}
func (noopSink) IncProtocolViolation()        {}
func (noopSink) SetLiveBytes(string, int64)  {}
func (noopSink) SetEntries(string, int64)    {}

type promSink struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	locks       *prometheus.CounterVec
	protoViol   prometheus.Counter
	liveBytes   *prometheus.GaugeVec
	entries     *prometheus.GaugeVec
}

func newPromSink(reg *prometheus.Registry) *promSink {
	label := []string{"budget"}
	p := &promSink{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cache_tracker", Name: "hits_total", Help: "Number of GET cache hits.",
		}, label),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cache_tracker", Name: "misses_total", Help: "Number of GET cache misses.",
		}, label),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cache_tracker", Name: "evictions_total", Help: "Number of entries evicted.",
		}, label),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cache_tracker", Name: "locks_total", Help: "Number of LOCK commands accepted.",
		}, label),
		protoViol: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cache_tracker", Name: "protocol_violations_total", Help: "Number of commands dropped as protocol violations.",
		}),
		liveBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cache_tracker", Name: "live_bytes", Help: "Live bytes bookkept per budget.",
		}, label),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cache_tracker", Name: "entries", Help: "Live Registry entries per budget.",
		}, label),
	}
	reg.MustRegister(p.hits, p.misses, p.evictions, p.locks, p.protoViol, p.liveBytes, p.entries)
	return p
}

func (p *promSink) IncHit(budget string)             { p.hits.WithLabelValues(budget).Inc() }
func (p *promSink) IncMiss(budget string)             { p.misses.WithLabelValues(budget).Inc() }
func (p *promSink) IncEvict(budget string)            { p.evictions.WithLabelValues(budget).Inc() }
func (p *promSink) IncLock(budget string)             { p.locks.WithLabelValues(budget).Inc() }
func (p *promSink) IncProtocolViolation()             { p.protoViol.Inc() }
func (p *promSink) SetLiveBytes(budget string, v int64) {
	p.liveBytes.WithLabelValues(budget).Set(float64(v))
}
func (p *promSink) SetEntries(budget string, v int64) {
	p.entries.WithLabelValues(budget).Set(float64(v))
}

// New decides which Sink implementation to use. reg == nil yields a no-op
// sink, matching WithMetrics(nil) in the teacher's functional-options config.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
