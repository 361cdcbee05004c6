// Package cachestats tracks the cache handle's counters: hits, misses,
// inserts, and deletes, mirrored onto the same prometheus client the
// teacher's resolver-wide metrics use, but scoped to the cache alone.
package cachestats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolver_cache_hits_total",
		Help: "Total number of cache peeks satisfied without going upstream",
	})
	promMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolver_cache_misses_total",
		Help: "Total number of cache peeks that found nothing usable",
	})
	promInserts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolver_cache_inserts_total",
		Help: "Total number of entries written by the stash path",
	})
	promDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_resolver_cache_deletes_total",
		Help: "Total number of entries explicitly removed",
	})
	promEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_cache_entries",
		Help: "Current number of keys in the cache backend",
	})
)

// Stats is a lightweight, lock-free counter set. Every method is safe for
// concurrent use, though the cache itself is single-threaded per handle —
// this only matters when two handles share the same process-global
// prometheus registry.
type Stats struct {
	hits    uint64
	misses  uint64
	inserts uint64
	deletes uint64
}

func (s *Stats) Hit()    { atomic.AddUint64(&s.hits, 1); promHits.Inc() }
func (s *Stats) Miss()   { atomic.AddUint64(&s.misses, 1); promMisses.Inc() }
func (s *Stats) Insert() { atomic.AddUint64(&s.inserts, 1); promInserts.Inc() }
func (s *Stats) Delete() { atomic.AddUint64(&s.deletes, 1); promDeletes.Inc() }

// SetEntries reports the backend's current key count to the gauge.
func (s *Stats) SetEntries(n int) { promEntries.Set(float64(n)) }

// Snapshot is a point-in-time copy of the counters, for introspection.
type Snapshot struct {
	Hits, Misses, Inserts, Deletes uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:    atomic.LoadUint64(&s.hits),
		Misses:  atomic.LoadUint64(&s.misses),
		Inserts: atomic.LoadUint64(&s.inserts),
		Deletes: atomic.LoadUint64(&s.deletes),
	}
}

// Reset zeroes the local counters. The prometheus series are left alone —
// they are meant to be cumulative across the process's lifetime.
func (s *Stats) Reset() {
	atomic.StoreUint64(&s.hits, 0)
	atomic.StoreUint64(&s.misses, 0)
	atomic.StoreUint64(&s.inserts, 0)
	atomic.StoreUint64(&s.deletes, 0)
}
