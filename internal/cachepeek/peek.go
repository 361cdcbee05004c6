// Package cachepeek implements the peek (read) path (C6): servicing the
// iterator's produce phase from the cache alone when possible — exact
// hits, closest-NS search, wildcard expansion via negproof, and SOA
// attachment — without any upstream contact.
package cachepeek

import (
	"github.com/miekg/dns"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachepolicy"
	"dns-resolver/internal/cachetypes"
	"dns-resolver/internal/negproof"
)

// ExpiringThreshold is the remaining-TTL cutoff, in seconds, at or below which a
// served answer is marked EXPIRING so the iterator can schedule a
// background refresh.
const ExpiringThreshold = 5

// Peek implements §4.6. It never mutates the backend and never returns an
// error: a cache miss or an internal inconsistency both come back as
// Result{Done: false}, per the cache's "never fail the caller" design.
func Peek(backend cachebackend.Backend, req cachetypes.Request) cachetypes.Result {
	if !req.Cacheable() {
		return cachetypes.Result{}
	}

	qnameLF, err := cachekey.DnameToLF(req.QName)
	if err != nil {
		return cachetypes.Result{}
	}

	floor := cachepolicy.LowestRank(req.Policy)
	if req.AllowUnverified {
		floor &^= cacheentry.RankAuth
	}

	if rrset, rrsig, rank, hit := exactLookup(backend, qnameLF, req.QType, req.Now, floor, req.Policy.Stale); hit {
		return materializeSimpleHit(req, rrset, rrsig, rank)
	}
	if wire, hit := exactPacketLookup(backend, qnameLF, req.QType, req.Now, floor, req.Policy.Stale); hit {
		return materializePacketHit(wire)
	}

	closest := closestNS(backend, qnameLF, req.QType, req.Now, floor, req.Policy.Stale)

	switch closest.Kind {
	case cachetypes.ClosestCNAME:
		if closest.ExactMatch {
			return materializeSimpleHit(req, closest.RRSet, closest.RRSIG, closest.Rank)
		}
		return cachetypes.Result{}
	case cachetypes.ClosestDNAME:
		// Out of scope for this core (§4.6 step 4): decline.
		return cachetypes.Result{}
	}

	if req.DisableNegativeProof {
		return cachetypes.Result{}
	}

	proof := negproof.Assemble(backend, closest.ZoneLF, qnameLF, req.QType, req.Now, floor, req.Policy.Stale)
	if proof.Rcode == negproof.RcodeNone {
		return cachetypes.Result{}
	}

	return materializeNegativeHit(backend, req, closest.ZoneLF, proof)
}

// exactLookup implements §4.6 step 1 for RR-set entries.
func exactLookup(backend cachebackend.Backend, qnameLF []byte, qtype uint16, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) (rrset, rrsig []dns.RR, rank cacheentry.Rank, ok bool) {
	key := cachekey.ExactKey(qnameLF, qtype)
	value, err := backend.Read(key)
	if err != nil {
		return nil, nil, 0, false
	}
	entry, err := cacheentry.Parse(value)
	if err != nil || entry.Header.Flags&cacheentry.FlagIsPacket != 0 {
		return nil, nil, 0, false
	}
	if !entry.Header.Rank.Acceptable(floor) {
		return nil, nil, 0, false
	}
	ttl := cachepolicy.GetNewTTL(entry.Header.Time, entry.Header.TTL, now, stale)
	if ttl < 0 {
		return nil, nil, 0, false
	}
	rrset, rrsig, err = entry.RRSet()
	if err != nil {
		return nil, nil, 0, false
	}
	return withTTL(rrset, uint32(ttl)), rrsig, entry.Header.Rank, true
}

// exactPacketLookup services a cached whole-packet entry under (qname,
// qtype): P8 and the peek-packets open question ("packet entries respect
// the same TTL/rank gates as RR entries").
func exactPacketLookup(backend cachebackend.Backend, qnameLF []byte, qtype uint16, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) ([]byte, bool) {
	key := cachekey.ExactKey(qnameLF, qtype)
	value, err := backend.Read(key)
	if err != nil {
		return nil, false
	}
	entry, err := cacheentry.Parse(value)
	if err != nil || entry.Header.Flags&cacheentry.FlagIsPacket == 0 {
		return nil, false
	}
	if !entry.Header.Rank.Acceptable(floor) {
		return nil, false
	}
	ttl := cachepolicy.GetNewTTL(entry.Header.Time, entry.Header.TTL, now, stale)
	if ttl < 0 {
		return nil, false
	}
	wire, err := entry.Packet()
	if err != nil {
		return nil, false
	}
	return wire, true
}

// closestNS implements §4.6 step 2: walk qnameLF up to the root looking
// for the NS-keyed bundle entry at each zone cut.
func closestNS(backend cachebackend.Backend, qnameLF []byte, qtype uint16, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback) cachetypes.ClosestNSResult {
	labels := countLabels(qnameLF)
	zoneLF := qnameLF
	exactMatch := true

	for {
		key := cachekey.ExactKey(zoneLF, dns.TypeNS)
		if value, err := backend.Read(key); err == nil {
			if entry, err := cacheentry.Parse(value); err == nil && entry.Header.Flags&cacheentry.FlagIsPacket == 0 {
				if res, ok := tryBundle(entry, now, floor, stale, exactMatch, qtype, zoneLF); ok {
					return res
				}
			}
		}
		if labels == 0 {
			return cachetypes.ClosestNSResult{Kind: cachetypes.ClosestNS, ZoneLF: zoneLF, ExactMatch: exactMatch}
		}
		var err error
		zoneLF, err = dropLeftLabel(zoneLF)
		if err != nil {
			return cachetypes.ClosestNSResult{Kind: cachetypes.ClosestNS, ZoneLF: nil, ExactMatch: false}
		}
		labels--
		exactMatch = false
	}
}

// tryBundle examines one NS-keyed bundle entry's sub-entries in the order
// §4.6 step 2 specifies: NS, then CNAME (only exact_match && stype!=DS),
// then DNAME (only !exact_match).
func tryBundle(entry cacheentry.Entry, now uint32, floor cacheentry.Rank, stale cachepolicy.StaleCallback, exactMatch bool, qtype uint16, zoneLF []byte) (cachetypes.ClosestNSResult, bool) {
	if rrset, rrsig, found, err := entry.Seek(dns.TypeNS); err == nil && found {
		// §8 open question: at an exact NS match with stype=DS, skip the
		// NS sub-entry so the parent's DS is sought one label up.
		if !(exactMatch && qtype == dns.TypeDS) {
			if fresh, rset := freshen(rrset, entry.Header, now, stale); fresh {
				return cachetypes.ClosestNSResult{
					Kind: cachetypes.ClosestNS, RRSet: rset, RRSIG: rrsig, Rank: entry.Header.Rank,
					ZoneLF: zoneLF, ExactMatch: exactMatch,
				}, true
			}
		}
	}
	if exactMatch && qtype != dns.TypeDS {
		if rrset, rrsig, found, err := entry.Seek(dns.TypeCNAME); err == nil && found {
			if entry.Header.Rank.Acceptable(requireInsecureAuth()) {
				if fresh, rset := freshen(rrset, entry.Header, now, stale); fresh {
					return cachetypes.ClosestNSResult{
						Kind: cachetypes.ClosestCNAME, RRSet: rset, RRSIG: rrsig, Rank: entry.Header.Rank,
						ZoneLF: zoneLF, ExactMatch: exactMatch,
					}, true
				}
			}
		}
	}
	if !exactMatch {
		if rrset, rrsig, found, err := entry.Seek(dns.TypeDNAME); err == nil && found {
			if entry.Header.Rank.Acceptable(requireInsecureAuth()) {
				if fresh, rset := freshen(rrset, entry.Header, now, stale); fresh {
					return cachetypes.ClosestNSResult{
						Kind: cachetypes.ClosestDNAME, RRSet: rset, RRSIG: rrsig, Rank: entry.Header.Rank,
						ZoneLF: zoneLF, ExactMatch: exactMatch,
					}, true
				}
			}
		}
	}
	return cachetypes.ClosestNSResult{}, false
}

// requireInsecureAuth is the rank floor CNAME/DNAME sub-entries need,
// independent of the request's own floor: "others require INSECURE|AUTH
// floor" (§4.6 step 2).
func requireInsecureAuth() cacheentry.Rank {
	return cacheentry.RankInsecure | cacheentry.RankAuth
}

func freshen(rrset []dns.RR, h cacheentry.Header, now uint32, stale cachepolicy.StaleCallback) (bool, []dns.RR) {
	ttl := cachepolicy.GetNewTTL(h.Time, h.TTL, now, stale)
	if ttl < 0 {
		return false, nil
	}
	return true, withTTL(rrset, uint32(ttl))
}

// materializeSimpleHit implements §4.6.a for a materialized RR-set: set
// DNSSEC_INSECURE (and clear DNSSEC_WANT) when rank indicates an insecure
// delegation, i.e. below SECURE.
func materializeSimpleHit(req cachetypes.Request, rrset, rrsig []dns.RR, rank cacheentry.Rank) cachetypes.Result {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(req.QName), req.QType)
	msg.Answer = append(append([]dns.RR{}, rrset...), rrsig...)
	msg.Rcode = dns.RcodeSuccess

	flags := cachetypes.FlagCached | cachetypes.FlagNoMinimize
	if rank.Base() < cacheentry.RankSecure {
		flags |= cachetypes.FlagDNSSECInsecure
	}
	if minTTL(rrset) <= ExpiringThreshold {
		flags |= cachetypes.FlagExpiring
	}
	return cachetypes.Result{Done: true, Packet: msg, Flags: flags}
}

func materializePacketHit(wire []byte) cachetypes.Result {
	msg := new(dns.Msg)
	if err := msg.Unpack(wire); err != nil {
		return cachetypes.Result{}
	}
	return cachetypes.Result{Done: true, Packet: msg, Flags: cachetypes.FlagCached | cachetypes.FlagNoMinimize}
}

// materializeNegativeHit implements §4.6 steps 5-6: attach SOA, set rcode,
// append the accumulated answer/authority, and return DONE.
func materializeNegativeHit(backend cachebackend.Backend, req cachetypes.Request, zoneLF []byte, proof negproof.Result) cachetypes.Result {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(req.QName), req.QType)

	switch proof.Rcode {
	case negproof.RcodeNXDomain:
		msg.Rcode = dns.RcodeNameError
	case negproof.RcodeNoData, negproof.RcodeWildcard:
		msg.Rcode = dns.RcodeSuccess
	default:
		return cachetypes.Result{}
	}

	if proof.Rcode == negproof.RcodeWildcard {
		// Expand the wildcard: the answer RRs carry the query name as owner.
		owner := dns.Fqdn(req.QName)
		for _, rr := range append(append([]dns.RR{}, proof.Wildcard...), proof.WildSig...) {
			cp := dns.Copy(rr)
			cp.Header().Name = owner
			msg.Answer = append(msg.Answer, cp)
		}
	}
	msg.Ns = append(append([]dns.RR{}, proof.NSECs...), proof.RRSIGs...)

	if soa, soaSig, ok := lookupSOA(backend, zoneLF, req.Now, req.Policy.Stale); ok {
		msg.Ns = append(msg.Ns, soa...)
		msg.Ns = append(msg.Ns, soaSig...)
	}

	flags := cachetypes.FlagCached | cachetypes.FlagNoMinimize
	if expiringNSEC(proof) {
		flags |= cachetypes.FlagExpiring
	}
	return cachetypes.Result{Done: true, Packet: msg, Flags: flags}
}

func lookupSOA(backend cachebackend.Backend, zoneLF []byte, now uint32, stale cachepolicy.StaleCallback) (soa, sig []dns.RR, ok bool) {
	key := cachekey.ExactKey(zoneLF, dns.TypeSOA)
	value, err := backend.Read(key)
	if err != nil {
		return nil, nil, false
	}
	entry, err := cacheentry.Parse(value)
	if err != nil || entry.Header.Flags&cacheentry.FlagIsPacket != 0 {
		return nil, nil, false
	}
	rrset, rrsig, err := entry.RRSet()
	if err != nil {
		return nil, nil, false
	}
	fresh, rset := freshen(rrset, entry.Header, now, stale)
	if !fresh {
		return nil, nil, false
	}
	return rset, rrsig, true
}

func expiringNSEC(proof negproof.Result) bool {
	return minTTL(proof.NSECs) <= ExpiringThreshold
}

func withTTL(rrset []dns.RR, ttl uint32) []dns.RR {
	out := make([]dns.RR, len(rrset))
	for i, rr := range rrset {
		cp := dns.Copy(rr)
		cp.Header().Ttl = ttl
		out[i] = cp
	}
	return out
}

func minTTL(rrset []dns.RR) int64 {
	var min int64 = -1
	for _, rr := range rrset {
		t := int64(rr.Header().Ttl)
		if min < 0 || t < min {
			min = t
		}
	}
	if min < 0 {
		return 1 << 30
	}
	return min
}

func countLabels(lf []byte) int {
	n := 0
	for i := 0; i < len(lf); {
		i += 1 + int(lf[i])
		n++
	}
	return n
}

func dropLeftLabel(lf []byte) ([]byte, error) {
	if len(lf) == 0 {
		return nil, cachekey.ErrNameTooLong
	}
	ll := int(lf[0])
	if 1+ll > len(lf) {
		return nil, cachekey.ErrNameTooLong
	}
	return lf[1+ll:], nil
}
