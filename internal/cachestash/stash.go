// Package cachestash implements the stash (write) path (C5): inserting or
// refreshing entries for the answer/authority/additional records the
// iterator produced, including the NS-keyed xNAME tunnel merge ("splice")
// policy and the wildcard-encloser derivation.
package cachestash

import (
	"log"

	"github.com/miekg/dns"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachepolicy"
)

// Input is one RR-set (plus optional RRSIG set) to stash, as produced by
// the iterator for one section of a resolved answer.
type Input struct {
	RRSet  []dns.RR
	RRSIG  []dns.RR // may be nil
	Rank   cacheentry.Rank
	Now    uint32
	TTLMin uint32
	TTLMax uint32
}

// Stash implements §4.5. It never returns an error that the iterator must
// act on: any internal failure is logged and treated as best-effort
// failure to cache, matching the cache's error-handling design (stash
// never fails the caller).
func Stash(backend cachebackend.Backend, in Input) {
	if len(in.RRSet) == 0 {
		return
	}
	hdr := in.RRSet[0].Header()
	if hdr.Class != dns.ClassINET {
		return
	}
	rrtype := hdr.Rrtype
	if !cacheableType(rrtype) {
		return
	}

	ownerLF, err := cachekey.DnameToLF(hdr.Name)
	if err != nil {
		log.Printf("cachestash: skip %s %s: %v", hdr.Name, dns.TypeToString[rrtype], err)
		return
	}

	encloserLF := ownerLF
	if len(in.RRSIG) > 0 {
		if sig, ok := in.RRSIG[0].(*dns.RRSIG); ok {
			wild, err := cacheentry.WildcardLabels(ownerLF, sig.Labels)
			if err != nil {
				log.Printf("cachestash: malformed RRSIG for %s: %v", hdr.Name, err)
				return
			}
			if wild > 0 {
				encloserLF, err = cachekey.TruncateToLabels(ownerLF, int(sig.Labels))
				if err != nil {
					log.Printf("cachestash: cannot derive encloser for %s: %v", hdr.Name, err)
					return
				}
			}
		}
	}

	ttl := minTTL(in.RRSet, in.RRSIG)
	clamped := clamp(ttl, in.TTLMin, in.TTLMax)

	switch rrtype {
	case dns.TypeNSEC:
		stashNSEC1(backend, encloserLF, in, clamped)
	case dns.TypeNS, dns.TypeCNAME, dns.TypeDNAME:
		stashBundle(backend, encloserLF, rrtype, in, clamped)
	default:
		stashPlain(backend, cachekey.ExactKey(encloserLF, rrtype), in, clamped)
	}
}

// StashPacket implements whole-packet stashing: negative aggregate
// responses and BOGUS answers are stored verbatim under the qname/qtype
// key with is_packet=1.
func StashPacket(backend cachebackend.Backend, qname string, qtype uint16, wire []byte, rank cacheentry.Rank, now, ttl, ttlMin, ttlMax uint32) {
	lf, err := cachekey.DnameToLF(qname)
	if err != nil {
		log.Printf("cachestash: skip packet for %s: %v", qname, err)
		return
	}
	key := cachekey.ExactKey(lf, qtype)
	h := cacheentry.Header{Time: now, TTL: clamp(ttl, ttlMin, ttlMax), Rank: rank}
	entry, err := cacheentry.BuildPacketEntry(h, wire)
	if err != nil {
		log.Printf("cachestash: cannot build packet entry for %s: %v", qname, err)
		return
	}
	writeTTLLast(backend, key, entry)
}

func stashPlain(backend cachebackend.Backend, key []byte, in Input, ttl uint32) {
	if existing, ok := readExisting(backend, key, in.Now); ok {
		if !worseThanExisting(existing, in.Rank, int64(ttl), true) {
			return
		}
	}
	h := cacheentry.Header{Time: in.Now, TTL: ttl, Rank: in.Rank}
	entry, err := cacheentry.BuildRRSetEntry(h, in.RRSet, in.RRSIG)
	if err != nil {
		log.Printf("cachestash: cannot build entry: %v", err)
		return
	}
	writeTTLLast(backend, key, entry)
}

func stashNSEC1(backend cachebackend.Backend, ownerLF []byte, in Input, ttl uint32) {
	if in.Rank.Base() != cacheentry.RankSecure {
		return // invariant §3.5: NSEC cached only when SECURE
	}
	if len(in.RRSIG) == 0 {
		return // invariant §3.5: requires an accompanying RRSIG
	}
	key := cachekey.NSEC1Key(ownerLF)
	h := cacheentry.Header{Time: in.Now, TTL: ttl, Rank: in.Rank, Flags: cacheentry.FlagHasNSECParams}
	entry, err := cacheentry.BuildRRSetEntry(h, in.RRSet, in.RRSIG)
	if err != nil {
		log.Printf("cachestash: cannot build NSEC entry: %v", err)
		return
	}
	writeTTLLast(backend, key, entry)
}

// stashBundle implements the xNAME tunneling merge ("splice"): NS, CNAME,
// and DNAME for one owner name all live under the same NS-typed key, as
// independently-replaceable sub-entries (invariant §3.4, P5).
func stashBundle(backend cachebackend.Backend, ownerLF []byte, rrtype uint16, in Input, ttl uint32) {
	key := cachekey.ExactKey(ownerLF, dns.TypeNS)

	members := map[uint16]cacheentry.BundleMember{}
	var existingRank cacheentry.Rank
	var existingTTL int64
	haveExisting := false

	if value, err := backend.Read(key); err == nil {
		if existing, err := cacheentry.Parse(value); err == nil {
			existingRank = existing.Header.Rank
			existingTTL = cachepolicy.GetNewTTL(existing.Header.Time, existing.Header.TTL, in.Now, nil)
			haveExisting = true
			if types, err := existing.BundleSubTypes(); err == nil {
				for _, t := range types {
					rset, sig, _, err := existing.Seek(t)
					if err != nil {
						continue
					}
					members[t] = cacheentry.BundleMember{Type: t, RRSet: rset, RRSIG: sig}
				}
			}
		}
	}

	if haveExisting {
		if _, ok := members[rrtype]; ok {
			existing := existingEntry{rank: existingRank, ttl: existingTTL}
			if !worseThanExisting(existing, in.Rank, int64(ttl), true) {
				return
			}
		}
	}

	members[rrtype] = cacheentry.BundleMember{Type: rrtype, RRSet: in.RRSet, RRSIG: in.RRSIG}

	ordered := make([]cacheentry.BundleMember, 0, len(members))
	for _, t := range []uint16{dns.TypeNS, dns.TypeCNAME, dns.TypeDNAME} {
		if m, ok := members[t]; ok {
			ordered = append(ordered, m)
		}
	}

	h := cacheentry.Header{Time: in.Now, TTL: ttl, Rank: in.Rank}
	entry, err := cacheentry.BuildBundleEntry(h, ordered)
	if err != nil {
		log.Printf("cachestash: cannot build bundle entry: %v", err)
		return
	}
	writeTTLLast(backend, key, entry)
}

// existingEntry is the minimal shape worseThanExisting needs.
type existingEntry struct {
	rank cacheentry.Rank
	ttl  int64 // residual TTL at the time of the new stash
}

func readExisting(backend cachebackend.Backend, key []byte, now uint32) (existingEntry, bool) {
	value, err := backend.Read(key)
	if err != nil {
		return existingEntry{}, false
	}
	e, err := cacheentry.Parse(value)
	if err != nil {
		return existingEntry{}, false
	}
	return existingEntry{rank: e.Header.Rank, ttl: cachepolicy.GetNewTTL(e.Header.Time, e.Header.TTL, now, nil)}, true
}

// worseThanExisting implements the splice decision: the new entry is
// written unless the existing one is present, of the same type, and at
// least as good (rank >= new rank and residual TTL >= new TTL).
func worseThanExisting(existing existingEntry, newRank cacheentry.Rank, newTTL int64, typePresent bool) bool {
	if !typePresent {
		return true
	}
	if existing.rank >= newRank && existing.ttl >= newTTL {
		return false // existing is not worse; skip the write
	}
	return true
}

// writeTTLLast reserves the backend buffer and fills it TTL-last: the
// header's TTL field (bytes 4..8, see cacheentry.Header.Pack) is zeroed
// first, the rest of the entry is copied in, and the TTL is written last,
// so a partly written buffer reads as an already-expired entry. Commit
// then publishes the finished entry.
func writeTTLLast(backend cachebackend.Backend, key, entry []byte) {
	res, err := backend.Reserve(key, len(entry))
	if err != nil {
		log.Printf("cachestash: reserve failed: %v", err)
		return
	}
	buf := res.Bytes()
	copy(buf[4:8], []byte{0, 0, 0, 0})
	copy(buf[:4], entry[:4])
	copy(buf[8:], entry[8:])
	copy(buf[4:8], entry[4:8])
	if err := res.Commit(); err != nil {
		log.Printf("cachestash: commit failed: %v", err)
	}
}

func cacheableType(rrtype uint16) bool {
	switch rrtype {
	case dns.TypeOPT, dns.TypeAXFR, dns.TypeIXFR, dns.TypeANY, dns.TypeTSIG, dns.TypeTKEY, dns.TypeRRSIG:
		return false
	default:
		return true
	}
}

func minTTL(rrset, rrsig []dns.RR) uint32 {
	var min uint32
	first := true
	for _, rr := range rrset {
		t := rr.Header().Ttl
		if first || t < min {
			min, first = t, false
		}
	}
	for _, rr := range rrsig {
		t := rr.Header().Ttl
		if first || t < min {
			min, first = t, false
		}
	}
	return min
}

func clamp(ttl, min, max uint32) uint32 {
	if ttl < min {
		return min
	}
	if max > 0 && ttl > max {
		return max
	}
	return ttl
}
