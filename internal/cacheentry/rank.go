package cacheentry

// Rank is the DNSSEC rank byte gating what the cache may return. It encodes
// a partially-ordered base level plus an AUTH flag, mirroring the
// low-bits/flag-bits layout the cache data model specifies.
type Rank uint8

// Base levels, encoded in the two low bits.
const (
	RankInitial Rank = iota
	RankInsecure
	RankSecure
	RankBogus
)

const rankBaseMask Rank = 0x03

// RankAuth marks the record as coming from an authoritative source (as
// opposed to glue or a referral); it is required for acceptance unless the
// caller explicitly allows unverified data.
const RankAuth Rank = 0x04

// Base returns the rank's base level, stripping the AUTH flag.
func (r Rank) Base() Rank { return r & rankBaseMask }

// IsAuth reports whether the AUTH flag is set.
func (r Rank) IsAuth() bool { return r&RankAuth != 0 }

// AtLeast reports whether r's base level is at or above floor's base
// level. Comparability of the rank lattice is partial in general (AUTH is
// an orthogonal flag), so callers needing the full acceptance predicate
// should use Acceptable.
func (r Rank) AtLeast(floor Rank) bool {
	return r.Base() >= floor.Base()
}

// Acceptable implements the rank acceptance predicate: rank's base level
// must be at least floor's base level, and AUTH must be present on rank
// unless floor itself does not require AUTH.
func (r Rank) Acceptable(floor Rank) bool {
	if !r.AtLeast(floor) {
		return false
	}
	if floor.IsAuth() && !r.IsAuth() {
		return false
	}
	return true
}

func (r Rank) String() string {
	var base string
	switch r.Base() {
	case RankInitial:
		base = "INITIAL"
	case RankInsecure:
		base = "INSECURE"
	case RankSecure:
		base = "SECURE"
	case RankBogus:
		base = "BOGUS"
	default:
		base = "UNKNOWN"
	}
	if r.IsAuth() {
		return base + "|AUTH"
	}
	return base
}
