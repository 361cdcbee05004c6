// Package cacheentry implements the entry codec (dematerialize/materialize)
// described by the cache's entry layout: a fixed little-endian header
// followed by a payload that is either a dematerialized RDATASET (plus an
// optional RRSIG RDATASET), a chain of type-tagged sub-entries for the
// xNAME-tunneled NS key, or a length-prefixed verbatim wire packet.
//
// Bounds are always explicit. A value that is too short for its declared
// shape is reported as ErrCorrupt rather than silently truncated; callers
// are expected to treat that the same as a cache miss (see cachecore's
// error-kind policy) and may schedule the entry for deletion.
package cacheentry

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"

	"dns-resolver/internal/cachekey"
)

// HeaderLen is the fixed size, in bytes, of an entry header.
const HeaderLen = 10

// Flags bits packed into the header's one-byte flags field.
type Flags uint8

const (
	FlagIsPacket Flags = 1 << iota
	FlagHasOptOut
	FlagHasNS
	FlagHasCNAME
	FlagHasDNAME
	FlagHasNSECParams
)

var (
	// ErrCorrupt marks a value that fails a structural sanity check:
	// too short for its header, too short for its declared packet
	// length, or a sub-entry chain that runs past the supplied bound.
	ErrCorrupt = errors.New("cacheentry: corrupt entry")
	// ErrNotPacket is returned by Packet when the entry does not carry
	// the is_packet flag.
	ErrNotPacket = errors.New("cacheentry: entry is not a packet entry")
	// ErrIsPacket is returned by RRSet when called on a packet entry.
	ErrIsPacket = errors.New("cacheentry: entry is a packet entry")
	// ErrTooLarge is returned when a dematerialized RDATASET would not
	// fit the codec's 16-bit length prefix.
	ErrTooLarge = errors.New("cacheentry: rdataset exceeds 65535 bytes")
	// ErrRankPacketOnly is returned when a BOGUS rank or has_optout flag
	// is requested on a non-packet entry (invariant §3.3).
	ErrRankPacketOnly = errors.New("cacheentry: rank/flag requires a packet entry")
)

// Header is the fixed-layout entry header, little-endian on the wire.
type Header struct {
	Time  uint32 // insertion wall-clock, seconds
	TTL   uint32 // clamped to [ttl_min, ttl_max]
	Rank  Rank
	Flags Flags
}

// Pack writes the header's on-disk little-endian layout.
func (h Header) Pack() []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Time)
	binary.LittleEndian.PutUint32(buf[4:8], h.TTL)
	buf[8] = byte(h.Rank)
	buf[9] = byte(h.Flags)
	return buf
}

// ParseHeader decodes a header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrCorrupt
	}
	return Header{
		Time:  binary.LittleEndian.Uint32(b[0:4]),
		TTL:   binary.LittleEndian.Uint32(b[4:8]),
		Rank:  Rank(b[8]),
		Flags: Flags(b[9]),
	}, nil
}

// Validate enforces invariant §3.3: BOGUS rank and has_optout are only
// legal on packet entries.
func (h Header) Validate() error {
	if h.Flags&FlagIsPacket != 0 {
		return nil
	}
	if h.Rank.Base() == RankBogus {
		return ErrRankPacketOnly
	}
	if h.Flags&FlagHasOptOut != 0 {
		return ErrRankPacketOnly
	}
	return nil
}

// Entry is a parsed, still-borrowed view of one cache value: a header plus
// the bytes following it. The Data slice is only as long as the bound the
// caller supplied to Parse — reads never run past it.
type Entry struct {
	Header Header
	Data   []byte
}

// Parse decodes value's header and performs the length-honesty checks
// invariant §3.2 requires: data.len >= offsetof(data), and, for packet
// entries, data.len >= header + 2 + pkt_len.
func Parse(value []byte) (Entry, error) {
	h, err := ParseHeader(value)
	if err != nil {
		return Entry{}, err
	}
	if err := h.Validate(); err != nil {
		return Entry{}, err
	}
	data := value[HeaderLen:]
	if h.Flags&FlagIsPacket != 0 {
		if len(data) < 2 {
			return Entry{}, ErrCorrupt
		}
		n := int(binary.BigEndian.Uint16(data[:2]))
		if len(data) < 2+n {
			return Entry{}, ErrCorrupt
		}
	}
	return Entry{Header: h, Data: data}, nil
}

// Packet returns the verbatim wire packet stored in a packet entry.
func (e Entry) Packet() ([]byte, error) {
	if e.Header.Flags&FlagIsPacket == 0 {
		return nil, ErrNotPacket
	}
	if len(e.Data) < 2 {
		return nil, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint16(e.Data[:2]))
	if len(e.Data) < 2+n {
		return nil, ErrCorrupt
	}
	return e.Data[2 : 2+n], nil
}

// RRSet returns the primary RDATASET and, if present, its accompanying
// RRSIG RDATASET from a plain (non-bundle, non-packet) entry.
func (e Entry) RRSet() (rrset, rrsig []dns.RR, err error) {
	if e.Header.Flags&FlagIsPacket != 0 {
		return nil, nil, ErrIsPacket
	}
	rrset, n, err := materializeRDataset(e.Data)
	if err != nil {
		return nil, nil, err
	}
	rest := e.Data[n:]
	if len(rest) > 0 {
		rrsig, _, err = materializeRDataset(rest)
		if err != nil {
			return nil, nil, err
		}
	}
	return rrset, rrsig, nil
}

// Seek advances inside an NS-key bundle entry (the xNAME tunnel) to the
// sub-entry for rrtype, used because one key may chain entries for
// NS/CNAME/DNAME. It reports found=false, with no error, if no sub-entry
// for rrtype is present.
func (e Entry) Seek(rrtype uint16) (rrset, rrsig []dns.RR, found bool, err error) {
	if e.Header.Flags&FlagIsPacket != 0 {
		return nil, nil, false, ErrIsPacket
	}
	data := e.Data
	for i := 0; i < len(data); {
		if i+3 > len(data) {
			return nil, nil, false, ErrCorrupt
		}
		subtype := binary.BigEndian.Uint16(data[i : i+2])
		hasSig := data[i+2] != 0
		i += 3

		rset, n, err := materializeRDataset(data[i:])
		if err != nil {
			return nil, nil, false, err
		}
		i += n

		var sigset []dns.RR
		if hasSig {
			sigset, n, err = materializeRDataset(data[i:])
			if err != nil {
				return nil, nil, false, err
			}
			i += n
		}

		if subtype == rrtype {
			return rset, sigset, true, nil
		}
	}
	return nil, nil, false, nil
}

// BundleSubTypes reports which of NS/CNAME/DNAME are present in an
// NS-keyed bundle entry. Each sub-entry's RR-sets are decoded to find
// where it ends, and the decoded records are discarded.
func (e Entry) BundleSubTypes() (types []uint16, err error) {
	data := e.Data
	for i := 0; i < len(data); {
		if i+3 > len(data) {
			return nil, ErrCorrupt
		}
		subtype := binary.BigEndian.Uint16(data[i : i+2])
		hasSig := data[i+2] != 0
		i += 3
		_, n, err := materializeRDataset(data[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if hasSig {
			_, n, err = materializeRDataset(data[i:])
			if err != nil {
				return nil, err
			}
			i += n
		}
		types = append(types, subtype)
	}
	return types, nil
}

// BuildRRSetEntry assembles the full on-disk bytes (header + payload) for
// a plain RR-set entry.
func BuildRRSetEntry(h Header, rrset, rrsig []dns.RR) ([]byte, error) {
	rrBytes, err := dematerializeRDataset(rrset)
	if err != nil {
		return nil, err
	}
	var sigBytes []byte
	if len(rrsig) > 0 {
		sigBytes, err = dematerializeRDataset(rrsig)
		if err != nil {
			return nil, err
		}
	}
	out := make([]byte, 0, HeaderLen+len(rrBytes)+len(sigBytes))
	out = append(out, h.Pack()...)
	out = append(out, rrBytes...)
	out = append(out, sigBytes...)
	return out, nil
}

// BuildPacketEntry assembles the full on-disk bytes for a whole-packet
// entry (used for negative aggregate responses and BOGUS answers).
func BuildPacketEntry(h Header, wire []byte) ([]byte, error) {
	if len(wire) > 0xFFFF {
		return nil, ErrTooLarge
	}
	h.Flags |= FlagIsPacket
	out := make([]byte, 0, HeaderLen+2+len(wire))
	out = append(out, h.Pack()...)
	out = appendUint16(out, uint16(len(wire)))
	out = append(out, wire...)
	return out, nil
}

// BundleMember is one type's worth of data in an NS-keyed bundle entry.
type BundleMember struct {
	Type  uint16
	RRSet []dns.RR
	RRSIG []dns.RR
}

// BuildBundleEntry assembles an NS-key bundle entry out of its NS/CNAME/
// DNAME sub-entries, setting the has_ns/has_cname/has_dname flag bits to
// match. Members are written in the order given.
func BuildBundleEntry(h Header, members []BundleMember) ([]byte, error) {
	for _, m := range members {
		switch m.Type {
		case dns.TypeNS:
			h.Flags |= FlagHasNS
		case dns.TypeCNAME:
			h.Flags |= FlagHasCNAME
		case dns.TypeDNAME:
			h.Flags |= FlagHasDNAME
		}
	}
	out := make([]byte, 0, HeaderLen+64)
	out = append(out, h.Pack()...)
	for _, m := range members {
		rrBytes, err := dematerializeRDataset(m.RRSet)
		if err != nil {
			return nil, err
		}
		var sigBytes []byte
		hasSig := byte(0)
		if len(m.RRSIG) > 0 {
			sigBytes, err = dematerializeRDataset(m.RRSIG)
			if err != nil {
				return nil, err
			}
			hasSig = 1
		}
		out = appendUint16(out, m.Type)
		out = append(out, hasSig)
		out = append(out, rrBytes...)
		out = append(out, sigBytes...)
	}
	return out, nil
}

// dematerializeRDataset packs rrset as a self-delimited (2-byte big-endian
// length prefix) wire-format chunk, using a throwaway message so that the
// ordinary DNS wire encoding miekg/dns already implements for RRs does the
// actual marshaling work.
func dematerializeRDataset(rrset []dns.RR) ([]byte, error) {
	if len(rrset) == 0 {
		return []byte{0, 0}, nil
	}
	msg := new(dns.Msg)
	msg.Answer = rrset
	msg.Compress = false
	wire, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	if len(wire) > 0xFFFF {
		return nil, ErrTooLarge
	}
	out := make([]byte, 0, 2+len(wire))
	out = appendUint16(out, uint16(len(wire)))
	out = append(out, wire...)
	return out, nil
}

// materializeRDataset is dematerializeRDataset's inverse. It refuses to
// read past buf's bound and reports ErrCorrupt instead of truncating.
func materializeRDataset(buf []byte) (rrset []dns.RR, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, 0, ErrCorrupt
	}
	if n == 0 {
		return nil, 2, nil
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(buf[2 : 2+n]); err != nil {
		return nil, 0, ErrCorrupt
	}
	return msg.Answer, 2 + n, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

// WildcardLabels computes owner_labels - rrsig.Labels, the number of
// labels the wildcard-expanded name adds relative to the RRSIG's signed
// label count. A negative result means the RRSIG is malformed and MUST be
// rejected, never coerced to 0 (design note: wildcard labels from RRSIG).
func WildcardLabels(ownerLF []byte, rrsigLabels uint8) (int, error) {
	owner, err := cachekey.LFToDname(ownerLF)
	if err != nil {
		return 0, err
	}
	labels := dns.CountLabel(owner)
	wild := labels - int(rrsigLabels)
	if wild < 0 {
		return 0, errors.New("cacheentry: rrsig.labels exceeds owner label count")
	}
	return wild, nil
}
