// Package kmetrics exposes the kernel's runtime counters through
// prometheus/client_golang. A Metrics value is threaded through the
// buffer cache, the frame table, the page-fault handler, and the
// syscall dispatcher so that every layer emits the same family of
// series.
package kmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Metrics bundles every counter/gauge tinykernel exports. A nil receiver
// on any of its counting methods must never happen; use NoOp() when metrics are not
// wanted instead of leaving the pointer nil.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter

	frameEvictions prometheus.Counter
	pageFaults     prometheus.Counter
	swapIns        prometheus.Counter
	swapOuts       prometheus.Counter

	syscalls *prometheus.CounterVec
}

// New builds a Metrics bundle registered against a fresh registry, ready
// to be exposed on a /metrics endpoint by the caller.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_bcache_hits_total",
			Help: "Buffer cache lookups that found the sector already loaded.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_bcache_misses_total",
			Help: "Buffer cache lookups that required a slot fetch.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_bcache_evictions_total",
			Help: "Buffer cache slots reclaimed by the second-chance clock.",
		}),
		frameEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_frame_evictions_total",
			Help: "Physical frames reclaimed by the second-chance clock.",
		}),
		pageFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_page_faults_total",
			Help: "User page faults handled.",
		}),
		swapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_swap_ins_total",
			Help: "Anonymous pages read back from the swap disk.",
		}),
		swapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinykernel_swap_outs_total",
			Help: "Anonymous pages written out to the swap disk.",
		}),
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tinykernel_syscalls_total",
			Help: "Syscalls dispatched, labeled by name.",
		}, []string{"name"}),
	}

	reg.MustRegister(m.cacheHits, m.cacheMisses, m.cacheEvictions,
		m.frameEvictions, m.pageFaults, m.swapIns, m.swapOuts, m.syscalls)

	return m
}

// Registry returns the underlying prometheus registry, for wiring into an
// HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) CacheHit()       { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss()      { m.cacheMisses.Inc() }
func (m *Metrics) CacheEviction()  { m.cacheEvictions.Inc() }
func (m *Metrics) FrameEviction()  { m.frameEvictions.Inc() }
func (m *Metrics) PageFault()      { m.pageFaults.Inc() }
func (m *Metrics) SwapIn()         { m.swapIns.Inc() }
func (m *Metrics) SwapOut()        { m.swapOuts.Inc() }
func (m *Metrics) Syscall(name string) {
	m.syscalls.WithLabelValues(name).Inc()
}

// NoOp returns a Metrics value safe to use when nobody is scraping
// /metrics — e.g. in unit tests of other packages — without special-
// casing nil checks at every call site.
func NoOp() *Metrics { return New() }

// CacheMisses reports the current value of the buffer-cache miss
// counter. Exported for tests elsewhere in the module that want to
// assert on eviction behavior without reaching into bcache internals.
func (m *Metrics) CacheMisses() float64 { return testutil.ToFloat64(m.cacheMisses) }

