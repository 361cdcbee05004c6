// Package dnsresolver exposes the cache's iterator-facing API (§6.1):
// open/close/sync/clear plus the packet-shaped peek/stash entry points
// the iterator drives, and the lower-level peek_exact/insert_rr escape
// hatches non-core consumers (prefetch, introspection tools) use.
package dnsresolver

import (
	"github.com/miekg/dns"

	"dns-resolver/internal/cachecore"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachepeek"
	"dns-resolver/internal/cachepolicy"
	"dns-resolver/internal/cachestash"
	"dns-resolver/internal/cachetypes"
)

// Cache is the iterator-facing handle. It composes the cache-core
// lifecycle handle with the peek/stash packages, which are stateless
// functions over a cachebackend.Backend.
type Cache struct {
	handle *cachecore.Handle
}

// Open initializes a Cache per §4.8 / §6.1's open operation.
func Open(opts cachecore.Options) (*Cache, error) {
	h, err := cachecore.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{handle: h}, nil
}

// Close releases the backend. Idempotent after the first successful call
// returns no error; a second call against an already-closed backend
// surfaces whatever the backend itself reports.
func (c *Cache) Close() error { return c.handle.Close() }

// Sync flushes pending writes.
func (c *Cache) Sync() error { return c.handle.Sync() }

// Clear erases all entries and re-stamps the version key.
func (c *Cache) Clear() error { return c.handle.Clear() }

// Count returns the number of keys currently stored, including the
// layout version key and the config version key.
func (c *Cache) Count() (int, error) { return c.handle.Count() }

// PeekRequest is the packet-shaped request the iterator hands to Peek.
type PeekRequest struct {
	QName  string
	QType  uint16
	QClass uint16

	NoCache         bool
	AlreadyTried    bool
	AllowUnverified bool
	Policy          cachepolicy.Request
	Now             uint32 // 0 means "use the handle's checkpoint clock"
}

// Peek implements §6.1's `peek`: it may fill and return a finished packet
// (DONE), or report that the caller's prior state should stand (a miss).
func (c *Cache) Peek(req PeekRequest) (packet *dns.Msg, flags cachetypes.QueryFlags, done bool) {
	now := req.Now
	if now == 0 {
		now = c.handle.Now()
	}
	result := cachepeek.Peek(c.handle.Backend(), cachetypes.Request{
		QName:                req.QName,
		QType:                req.QType,
		QClass:               req.QClass,
		NoCache:              req.NoCache,
		AlreadyTried:         req.AlreadyTried,
		AllowUnverified:      req.AllowUnverified,
		DisableNegativeProof: c.handle.NegativeProofDisabled(),
		Policy:               req.Policy,
		Now:                  now,
	})
	if result.Done {
		c.handle.Stats().Hit()
	} else {
		c.handle.Stats().Miss()
	}
	return result.Packet, result.Flags, result.Done
}

// StashSection is one RR-set (plus optional RRSIG) from a resolved
// packet's answer/authority/additional sections, as the iterator hands
// them to Stash.
type StashSection struct {
	RRSet []dns.RR
	RRSIG []dns.RR
	Rank  cacheentry.Rank
}

// Stash implements §6.1's `stash`: ingest packet's sections, best-effort.
func (c *Cache) Stash(sections []StashSection, now uint32) {
	if now == 0 {
		now = c.handle.Now()
	}
	for _, s := range sections {
		if len(s.RRSet) == 0 {
			continue
		}
		cachestash.Stash(c.handle.Backend(), cachestash.Input{
			RRSet:  s.RRSet,
			RRSIG:  s.RRSIG,
			Rank:   s.Rank,
			Now:    now,
			TTLMin: c.handle.TTLMin(),
			TTLMax: c.handle.TTLMax(),
		})
		c.handle.Stats().Insert()
	}
}

// StashPacket implements whole-packet stashing for negative aggregate
// responses and BOGUS answers.
func (c *Cache) StashPacket(qname string, qtype uint16, wire []byte, rank cacheentry.Rank, ttl, now uint32) {
	if now == 0 {
		now = c.handle.Now()
	}
	cachestash.StashPacket(c.handle.Backend(), qname, qtype, wire, rank, now, ttl, c.handle.TTLMin(), c.handle.TTLMax())
	c.handle.Stats().Insert()
}

// ExactResult is peek_exact's return shape (§6.1): the low-level
// introspection view non-core consumers use.
type ExactResult struct {
	Time  uint32
	TTL   uint32
	Rank  cacheentry.Rank
	RRSet []dns.RR
	RRSIG []dns.RR
	Found bool
}

// PeekExact implements §6.1's `peek_exact`: a raw exact lookup that never
// consults the closest-NS/negative-proof machinery and, per the open
// question on stale packet entries, never returns a packet entry.
func (c *Cache) PeekExact(name string, rrtype uint16) ExactResult {
	lf, err := cachekey.DnameToLF(name)
	if err != nil {
		return ExactResult{}
	}
	key := cachekey.ExactKey(lf, rrtype)
	value, err := c.handle.Backend().Read(key)
	if err != nil {
		return ExactResult{}
	}
	entry, err := cacheentry.Parse(value)
	if err != nil || entry.Header.Flags&cacheentry.FlagIsPacket != 0 {
		return ExactResult{}
	}
	rrset, rrsig, err := entry.RRSet()
	if err != nil {
		return ExactResult{}
	}
	return ExactResult{
		Time:  entry.Header.Time,
		TTL:   entry.Header.TTL,
		Rank:  entry.Header.Rank,
		RRSet: rrset,
		RRSIG: rrsig,
		Found: true,
	}
}

// InsertRR implements §6.1's `insert_rr`: a direct record insert bypassing
// packet flow, used by prefetch to refresh a single RR-set without
// assembling a full response packet.
func (c *Cache) InsertRR(rrset, rrsig []dns.RR, rank cacheentry.Rank, now uint32) {
	if now == 0 {
		now = c.handle.Now()
	}
	cachestash.Stash(c.handle.Backend(), cachestash.Input{
		RRSet:  rrset,
		RRSIG:  rrsig,
		Rank:   rank,
		Now:    now,
		TTLMin: c.handle.TTLMin(),
		TTLMax: c.handle.TTLMax(),
	})
	c.handle.Stats().Insert()
}
