// Package cachecore ties the key codec, entry codec, policy, backend,
// stash, peek, and negative-proof packages together into the cache
// handle's lifecycle (C8): open/close/sync/clear, version checking, and
// the TTL clamps and stats every stash/peek call consults.
package cachecore

import (
	"log"
	"time"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachestats"
	"dns-resolver/internal/metrics"
)

// CacheVersion is bumped whenever the on-disk entry or key layout changes
// in a way older entries can't be read back from; Open purges the store
// on any mismatch.
const CacheVersion uint16 = 3

// Defaults per §4.8.
const (
	DefaultTTLMin = 5 * time.Second
	DefaultTTLMax = 6 * 24 * time.Hour
)

// Options configures Open.
type Options struct {
	Backend cachebackend.Backend
	TTLMin  time.Duration // 0 means DefaultTTLMin
	TTLMax  time.Duration // 0 means DefaultTTLMax

	// ConfigVersion is an operator-controlled version salt, independent
	// of CacheVersion's fixed layout version: bumping it forces a purge
	// on next Open without a code change, e.g. after a configuration
	// change that invalidates previously-stashed answers.
	ConfigVersion uint16
	// DisableNegativeProof turns off NSEC-based NXDOMAIN/NODATA
	// synthesis in the peek path (C7): every miss on an exact lookup
	// falls through to the caller instead of being checked against
	// cached NSEC coverage.
	DisableNegativeProof bool
	// SampleInterval controls how often the process-level resource
	// gauges (CPU, memory, goroutines, network) refresh. Zero uses
	// metrics.DefaultSampleInterval. DisableProcessSampling skips
	// starting the sampler at all.
	SampleInterval         time.Duration
	DisableProcessSampling bool
}

// Checkpoint pairs a wall-clock reading with a monotonic one, taken at
// open, so hot-path callers that need a cheap "now" can advance the
// monotonic side without re-querying the wall clock each time.
type Checkpoint struct {
	Wall      time.Time
	Monotonic time.Time
}

// Handle is an open cache instance: one backend, its TTL clamps, and its
// running statistics.
type Handle struct {
	backend              cachebackend.Backend
	ttlMin               uint32
	ttlMax               uint32
	opened               Checkpoint
	stats                cachestats.Stats
	configVersion        uint16
	disableNegativeProof bool
	sampler              *metrics.ProcessSampler
}

// Backend exposes the underlying store for the peek/stash packages.
func (h *Handle) Backend() cachebackend.Backend { return h.backend }

// TTLMin and TTLMax return the configured clamps, in seconds.
func (h *Handle) TTLMin() uint32 { return h.ttlMin }
func (h *Handle) TTLMax() uint32 { return h.ttlMax }

// Stats exposes the handle's counters.
func (h *Handle) Stats() *cachestats.Stats { return &h.stats }

// NegativeProofDisabled reports whether the peek path should skip NSEC
// synthesis entirely, per Options.DisableNegativeProof.
func (h *Handle) NegativeProofDisabled() bool { return h.disableNegativeProof }

// Now returns the current wall-clock time as a cache timestamp (whole
// seconds since the Unix epoch), advanced from the open-time checkpoint.
func (h *Handle) Now() uint32 {
	elapsed := time.Since(h.opened.Monotonic)
	return uint32(h.opened.Wall.Add(elapsed).Unix())
}

// Open runs assert_right_version and, on success, returns a ready Handle.
func Open(opts Options) (*Handle, error) {
	if opts.Backend == nil {
		return nil, newError("open", KindProgrammerError, nil)
	}
	ttlMin := uint32(DefaultTTLMin.Seconds())
	if opts.TTLMin > 0 {
		ttlMin = uint32(opts.TTLMin.Seconds())
	}
	ttlMax := uint32(DefaultTTLMax.Seconds())
	if opts.TTLMax > 0 {
		ttlMax = uint32(opts.TTLMax.Seconds())
	}

	h := &Handle{
		backend:              opts.Backend,
		ttlMin:               ttlMin,
		ttlMax:               ttlMax,
		opened:               Checkpoint{Wall: time.Now(), Monotonic: time.Now()},
		configVersion:        opts.ConfigVersion,
		disableNegativeProof: opts.DisableNegativeProof,
	}

	if err := h.assertRightVersion(); err != nil {
		return nil, err
	}
	h.stats.Reset()

	if !opts.DisableProcessSampling {
		h.sampler = metrics.NewProcessSampler()
		h.sampler.Start(opts.SampleInterval)
	}
	return h, nil
}

// assertRightVersion implements §4.8: reads the version key; on mismatch,
// wrong length, or a read error against a non-empty store, it purges the
// entire backend and writes the current version. It logs which failure
// mode triggered the purge.
func (h *Handle) assertRightVersion() error {
	value, err := h.backend.Read(cachekey.VersionKey())
	switch {
	case err == cachebackend.ErrNotFound:
		count, cerr := h.backend.Count()
		if cerr != nil {
			return newError("open", KindBackendFailure, cerr)
		}
		if count == 0 {
			return h.writeVersion()
		}
		log.Printf("cachecore: version key missing in non-empty store, purging")
		return h.purgeAndStamp()
	case err != nil:
		log.Printf("cachecore: version key read error, purging: %v", err)
		return h.purgeAndStamp()
	case len(value) != 2:
		log.Printf("cachecore: version key has wrong length %d, purging", len(value))
		return h.purgeAndStamp()
	}

	got := uint16(value[0])<<8 | uint16(value[1])
	if got != CacheVersion {
		log.Printf("cachecore: version mismatch (have %d, want %d), purging", got, CacheVersion)
		return h.purgeAndStamp()
	}

	cvalue, err := h.backend.Read(cachekey.ConfigVersionKey())
	switch {
	case err == cachebackend.ErrNotFound:
		// Stores written before ConfigVersion existed have no config
		// version key; treat that as the zero value rather than purging
		// every pre-existing store the first time this ships.
		if h.configVersion != 0 {
			log.Printf("cachecore: config version mismatch (have none, want %d), purging", h.configVersion)
			return h.purgeAndStamp()
		}
		return h.writeVersion()
	case err != nil:
		log.Printf("cachecore: config version key read error, purging: %v", err)
		return h.purgeAndStamp()
	case len(cvalue) != 2:
		log.Printf("cachecore: config version key has wrong length %d, purging", len(cvalue))
		return h.purgeAndStamp()
	}

	gotConfig := uint16(cvalue[0])<<8 | uint16(cvalue[1])
	if gotConfig != h.configVersion {
		log.Printf("cachecore: config version mismatch (have %d, want %d), purging", gotConfig, h.configVersion)
		return h.purgeAndStamp()
	}
	return nil
}

func (h *Handle) purgeAndStamp() error {
	if err := h.backend.Clear(); err != nil {
		return newError("open", KindBackendFailure, err)
	}
	return h.writeVersion()
}

func (h *Handle) writeVersion() error {
	value := []byte{byte(CacheVersion >> 8), byte(CacheVersion)}
	if err := h.backend.Write(cachekey.VersionKey(), value); err != nil {
		return newError("open", KindBackendFailure, err)
	}
	cvalue := []byte{byte(h.configVersion >> 8), byte(h.configVersion)}
	if err := h.backend.Write(cachekey.ConfigVersionKey(), cvalue); err != nil {
		return newError("open", KindBackendFailure, err)
	}
	return nil
}

// Close flushes and releases the backend.
func (h *Handle) Close() error {
	if h.sampler != nil {
		h.sampler.Stop()
	}
	if err := h.backend.Sync(); err != nil {
		return newError("close", KindBackendFailure, err)
	}
	if err := h.backend.Close(); err != nil {
		return newError("close", KindBackendFailure, err)
	}
	return nil
}

// Sync flushes pending writes.
func (h *Handle) Sync() error {
	if err := h.backend.Sync(); err != nil {
		return newError("sync", KindBackendFailure, err)
	}
	return nil
}

// Clear empties the backend and re-stamps the version key.
func (h *Handle) Clear() error {
	if err := h.backend.Clear(); err != nil {
		return newError("clear", KindBackendFailure, err)
	}
	if err := h.writeVersion(); err != nil {
		return err
	}
	h.stats.Reset()
	return nil
}

// Count returns the number of keys currently stored, including the
// layout version key and the config version key.
func (h *Handle) Count() (int, error) {
	n, err := h.backend.Count()
	if err != nil {
		return 0, newError("count", KindBackendFailure, err)
	}
	return n, nil
}
