// Package cachetypes holds the small request/answer-shaped types shared by
// the peek package and the top-level facade, so that the peek package does
// not have to import the facade (which composes it) and create an import
// cycle.
package cachetypes

import (
	"github.com/miekg/dns"

	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachepolicy"
)

// Rcode is the cache's internal notion of the produce-phase result,
// distinct from dns.Rcode because it also tracks NODATA, which on the
// wire is just a NOERROR with an empty answer section.
type Rcode int

const (
	RcodeUnset Rcode = iota
	RcodeNoError
	RcodeNoData
	RcodeNXDomain
)

// QueryFlags mirrors the small set of iterator-visible flags the peek path
// sets on a successful cache-only answer.
type QueryFlags uint8

const (
	FlagCached QueryFlags = 1 << iota
	FlagNoMinimize
	FlagExpiring
	FlagDNSSECInsecure
	FlagDNSSECWant
)

// Request is the subset of the iterator's per-sub-query state the cache
// needs to decide whether, and how, to answer from the cache.
type Request struct {
	QName  string
	QType  uint16
	QClass uint16

	// NoCache mirrors a request-level flag telling the cache to skip
	// itself entirely.
	NoCache bool
	// AlreadyTried is set once this sub-query has already consulted the
	// cache without a usable stale callback; a second attempt without
	// one cannot produce a different result.
	AlreadyTried bool
	// AllowUnverified lets the request accept ranks below AUTH (e.g.
	// when fetching glue).
	AllowUnverified bool
	// DisableNegativeProof skips NSEC-based NXDOMAIN/NODATA synthesis:
	// an exact-lookup miss is reported as a cache miss instead of being
	// checked against cached NSEC coverage.
	DisableNegativeProof bool

	Policy cachepolicy.Request
	Now    uint32
}

// Cacheable reports whether req is even eligible to consult the cache,
// independent of what it contains — the peek-path preconditions in §4.6.
func (r Request) Cacheable() bool {
	if r.NoCache {
		return false
	}
	if r.AlreadyTried && r.Policy.Stale == nil {
		return false
	}
	if r.QClass != 0 && r.QClass != dns.ClassINET {
		return false
	}
	if !Cacheable(r.QType) {
		return false
	}
	return true
}

// Cacheable reports whether rrtype is ever stored in or served from the
// cache: metatypes (OPT, AXFR/IXFR, ANY, TSIG, ...) and a bare RRSIG query
// are not.
func Cacheable(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeOPT, dns.TypeAXFR, dns.TypeIXFR, dns.TypeANY, dns.TypeTSIG, dns.TypeTKEY, dns.TypeRRSIG:
		return false
	default:
		return true
	}
}

// Accumulator is the transient per-peek structure described by §3:
// answer/authority/SOA slots, a running rcode, and the NSEC variant that
// produced the proof (only NSEC1 is supported by this core).
type Accumulator struct {
	Answer    []dns.RR
	Authority []dns.RR // NSEC(s) proving the negative result
	SOA       dns.RR
	Rcode     Rcode
	// NSECVariant is always 1 in this core; NSEC3 is out of scope.
	NSECVariant int
}

// Result is what the peek path hands back to the iterator.
type Result struct {
	Done   bool
	Packet *dns.Msg
	Flags  QueryFlags
}

// ClosestNSKind distinguishes what closest_NS found at the zone cut it
// stopped at.
type ClosestNSKind int

const (
	ClosestNone ClosestNSKind = iota
	ClosestNS
	ClosestCNAME
	ClosestDNAME
)

// ClosestNSResult is closest_NS's return value (§4.6 step 2).
type ClosestNSResult struct {
	Kind       ClosestNSKind
	RRSet      []dns.RR
	RRSIG      []dns.RR
	Rank       cacheentry.Rank
	ZoneLF     []byte
	ExactMatch bool
}

// EntryFit bundles the outcome of checking one stored entry against the
// current request: its effective remaining TTL and whether its rank and
// freshness clear the request's floor.
type EntryFit struct {
	TTL  int64
	Rank cacheentry.Rank
	Fit  bool
}
