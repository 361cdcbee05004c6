// Package negproof implements the NSEC1 negative-proof assembler (C7): it
// answers "does the cache hold enough NSEC coverage to prove this name
// doesn't exist, or that it exists but lacks this type, without going
// upstream?" for one zone at a time.
package negproof

import (
	"github.com/miekg/dns"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachepolicy"
)

// Rcode is the outcome of assembly.
type Rcode int

const (
	// RcodeNone means no usable proof was found; the caller must treat
	// this as a genuine cache miss, not an error.
	RcodeNone Rcode = iota
	RcodeNXDomain
	RcodeNoData
	// RcodeWildcard means a positive wildcard-expanded answer was found.
	RcodeWildcard
)

// Result is what C6 consumes: the accumulated NSEC proof RRs plus,
// for the wildcard case, the cached wildcard RR-set the answer is
// synthesized from (its owner is still *.encloser; cachepeek rewrites it
// to the query name).
type Result struct {
	Rcode      Rcode
	NSECs      []dns.RR // one or two NSEC RRs proving the negative
	RRSIGs     []dns.RR // their accompanying signatures, same order
	Wildcard   []dns.RR // set only when Rcode == RcodeWildcard
	WildSig    []dns.RR
	EncloserLF []byte // closest provable encloser, for SOA/logging
}

// Assemble implements §4.7. zoneLF is the zone-cut owner's label-format
// name (as returned by the closest-NS search); qnameLF is the query name.
// now/floor/stale gate every NSEC lookup exactly as the peek path gates
// RR-set lookups.
func Assemble(backend cachebackend.Backend, zoneLF, qnameLF []byte, qtype uint16, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) Result {
	cover, ok := closestEncloser(backend, zoneLF, qnameLF, now, floor, stale)
	if !ok {
		return Result{Rcode: RcodeNone}
	}

	if cover.ownerMatch {
		// The NSEC owner equals qname: NODATA, provided qtype's bit is
		// absent from the type bitmap.
		if bitmapHasType(cover.nsec, qtype) {
			return Result{Rcode: RcodeNone}
		}
		return Result{
			Rcode:      RcodeNoData,
			NSECs:      []dns.RR{cover.nsec},
			RRSIGs:     cover.rrsig,
			EncloserLF: cover.encloserLF,
		}
	}

	// qname falls strictly inside the covering NSEC's interval: attempt
	// source-of-synthesis and, from there, wildcard expansion.
	wildLF := wildcardLF(cover.encloserLF)
	sos, sosOK := closestEncloser(backend, zoneLF, wildLF, now, floor, stale)

	if !sosOK {
		// No coverage for the wildcard name either: can't prove NXDOMAIN,
		// can't expand it. Nothing usable.
		return Result{Rcode: RcodeNone}
	}

	wildName, err := cachekey.LFToDname(wildLF)
	if err != nil {
		return Result{Rcode: RcodeNone}
	}

	if !coversOwner(sos.nsec, wildName) {
		// sos's interval does not actually cover *.clencl: the wildcard
		// name matches an owner exactly, i.e. the wildcard exists.
		if nsecOwnerEquals(sos.nsec, wildName) {
			if rr, sig, found := tryWild(backend, cover.encloserLF, qtype, now, floor, stale); found {
				return Result{
					Rcode:      RcodeWildcard,
					NSECs:      []dns.RR{cover.nsec, sos.nsec},
					RRSIGs:     append(append([]dns.RR{}, cover.rrsig...), sos.rrsig...),
					Wildcard:   rr,
					WildSig:    sig,
					EncloserLF: cover.encloserLF,
				}
			}
			if qtype != dns.TypeCNAME {
				if rr, sig, found := tryWild(backend, cover.encloserLF, dns.TypeCNAME, now, floor, stale); found {
					return Result{
						Rcode:      RcodeWildcard,
						NSECs:      []dns.RR{cover.nsec, sos.nsec},
						RRSIGs:     append(append([]dns.RR{}, cover.rrsig...), sos.rrsig...),
						Wildcard:   rr,
						WildSig:    sig,
						EncloserLF: cover.encloserLF,
					}
				}
			}
			return Result{Rcode: RcodeNone}
		}
		return Result{Rcode: RcodeNone}
	}

	// sos covers *.clencl without matching it: NXDOMAIN is proved.
	return Result{
		Rcode:      RcodeNXDomain,
		NSECs:      []dns.RR{cover.nsec, sos.nsec},
		RRSIGs:     append(append([]dns.RR{}, cover.rrsig...), sos.rrsig...),
		EncloserLF: cover.encloserLF,
	}
}

type nsecHit struct {
	nsec       dns.RR
	rrsig      []dns.RR
	ownerMatch bool
	encloserLF []byte
}

// maxClosestEncloserProbes bounds the backward walk in closestEncloser. Each
// step strictly decreases the probe key, so the walk always terminates; this
// is only a defensive cap against a pathological backend.
const maxClosestEncloserProbes = 4096

// closestEncloser walks the NSEC1 chain under zoneLF looking for an entry
// whose interval covers qnameLF, per §4.7 step 1.
//
// ReadLEQ scans the unified key space, so the predecessor of the NSEC1 probe
// may land on an exact RR-set entry ('E') stashed at a name that sorts
// between the true covering NSEC's owner and qname (e.g. a positive answer
// cached at the same owner as an NSEC). Such hits are skipped by walking the
// probe back past them until an NSEC1-tagged ('1') entry turns up or the
// zone prefix is left behind.
func closestEncloser(backend cachebackend.Backend, zoneLF, qnameLF []byte, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) (nsecHit, bool) {
	probe := cachekey.NSEC1Key(qnameLF)

	for i := 0; i < maxClosestEncloserProbes; i++ {
		actualKey, value, match, err := backend.ReadLEQ(probe)
		if err != nil {
			return nsecHit{}, false
		}
		if !cachekey.HasZonePrefix(actualKey, zoneLF) {
			return nsecHit{}, false
		}
		_, rest, ok := cachekey.SplitOnSeparator(actualKey)
		if !ok || len(rest) == 0 || rest[0] != cachekey.TagNSEC1 {
			probe = decrementKey(actualKey)
			if probe == nil {
				return nsecHit{}, false
			}
			continue
		}

		entry, err := cacheentry.Parse(value)
		if err != nil {
			return nsecHit{}, false
		}
		if !fit(entry.Header, now, floor, stale) {
			return nsecHit{}, false
		}
		rrset, rrsig, err := entry.RRSet()
		if err != nil || len(rrset) == 0 {
			return nsecHit{}, false
		}
		nsec, ok := rrset[0].(*dns.NSEC)
		if !ok {
			return nsecHit{}, false
		}
		// Serve the NSEC with its remaining TTL, as RR-set hits are.
		nsec.Hdr.Ttl = uint32(cachepolicy.GetNewTTL(entry.Header.Time, entry.Header.TTL, now, stale))

		qname, err := cachekey.LFToDname(qnameLF)
		if err != nil {
			return nsecHit{}, false
		}

		if match == cachebackend.MatchEQ || dns.Fqdn(nsec.Header().Name) == dns.Fqdn(qname) {
			return nsecHit{nsec: nsec, rrsig: rrsig, ownerMatch: true, encloserLF: qnameLF}, true
		}

		// qname must lie strictly between owner and next for this NSEC to
		// be a valid cover; the caller is trusted to have only stashed
		// well-formed intervals, so we only check the common-suffix
		// encloser.
		encloser := commonSuffixLabels(nsec.Header().Name, nsec.NextDomain)
		encloserLF, err := cachekey.DnameToLF(encloser)
		if err != nil {
			return nsecHit{}, false
		}
		return nsecHit{nsec: nsec, rrsig: rrsig, ownerMatch: false, encloserLF: encloserLF}, true
	}
	return nsecHit{}, false
}

// decrementKey returns a byte string strictly less than key, formed by
// decrementing key's last non-zero byte and dropping everything after it,
// or nil if there is no such byte (every byte is zero, or key is empty).
// Keys that sort between the result and key are not visited by the next
// probe.
func decrementKey(key []byte) []byte {
	out := append([]byte{}, key...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] > 0 {
			out[i]--
			return out[:i+1]
		}
		out = out[:i]
	}
	return nil
}

// wildcardLF builds the label-format name for "*.<encloser>": DnameToLF
// stores labels root-first/most-specific-last, so the wildcard label is
// appended after encloserLF, not prepended.
func wildcardLF(encloserLF []byte) []byte {
	buf := make([]byte, 0, len(encloserLF)+2)
	buf = append(buf, encloserLF...)
	buf = append(buf, 1, '*')
	return buf
}

// tryWild looks up the wildcard-expanded RR-set at *.encloser for stype.
func tryWild(backend cachebackend.Backend, encloserLF []byte, stype uint16, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) ([]dns.RR, []dns.RR, bool) {
	wildLF := wildcardLF(encloserLF)
	key := cachekey.ExactKey(wildLF, cachekey.EffectiveKeyType(stype))
	value, err := backend.Read(key)
	if err != nil {
		return nil, nil, false
	}
	entry, err := cacheentry.Parse(value)
	if err != nil || entry.Header.Flags&cacheentry.FlagIsPacket != 0 {
		return nil, nil, false
	}
	if !fit(entry.Header, now, floor, stale) {
		return nil, nil, false
	}
	if stype == dns.TypeNS || stype == dns.TypeCNAME || stype == dns.TypeDNAME {
		rrset, rrsig, found, err := entry.Seek(stype)
		if err != nil || !found {
			return nil, nil, false
		}
		return rrset, rrsig, true
	}
	rrset, rrsig, err := entry.RRSet()
	if err != nil || len(rrset) == 0 {
		return nil, nil, false
	}
	return rrset, rrsig, true
}

// fit abandons BOGUS or stale NSECs per §4.7's edge case: a bad entry on
// this branch reports "nothing found", never an error.
func fit(h cacheentry.Header, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) bool {
	if h.Rank.Base() == cacheentry.RankBogus {
		return false
	}
	if !h.Rank.Acceptable(floor) {
		return false
	}
	ttl := cachepolicy.GetNewTTL(h.Time, h.TTL, now, stale)
	return ttl >= 0
}

func bitmapHasType(rr dns.RR, qtype uint16) bool {
	nsec, ok := rr.(*dns.NSEC)
	if !ok {
		return false
	}
	for _, t := range nsec.TypeBitMap {
		if t == qtype {
			return true
		}
	}
	return false
}

func nsecOwnerEquals(rr dns.RR, name string) bool {
	return dns.Fqdn(rr.Header().Name) == dns.Fqdn(name)
}

// coversOwner reports whether rr's interval (owner, next) strictly covers
// name — i.e. name is not the owner itself.
func coversOwner(rr dns.RR, name string) bool {
	return !nsecOwnerEquals(rr, name)
}

// commonSuffixLabels returns the longest common domain-name suffix of a
// and b, used to derive the closest provable encloser from an NSEC's
// owner and its next-domain field (§4.7 step 1).
func commonSuffixLabels(a, b string) string {
	la := dns.SplitDomainName(a)
	lb := dns.SplitDomainName(b)
	i, j := len(la)-1, len(lb)-1
	var common []string
	for i >= 0 && j >= 0 && la[i] == lb[j] {
		common = append([]string{la[i]}, common...)
		i--
		j--
	}
	if len(common) == 0 {
		return "."
	}
	return dns.Fqdn(joinLabels(common))
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}
