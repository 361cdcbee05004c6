package negproof

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"dns-resolver/internal/cachebackend/memkv"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
	"dns-resolver/internal/cachestash"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	assert.NoError(t, err)
	return rr
}

func stashNSEC(backend *memkv.KV, t *testing.T, owner, next, types string, labels uint8) {
	nsec := mustRR(t, owner+" 300 IN NSEC "+next+" "+types)
	rrsig := mustRR(t, owner+" 300 IN RRSIG NSEC 8 "+itoa(labels)+" 300 20300101000000 20200101000000 12345 example.com. AAAA")
	cachestash.Stash(backend, cachestash.Input{
		RRSet:  []dns.RR{nsec},
		RRSIG:  []dns.RR{rrsig},
		Rank:   cacheentry.RankSecure | cacheentry.RankAuth,
		Now:    0,
		TTLMin: 5,
		TTLMax: 3600,
	})
}

func itoa(n uint8) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func zoneLF(t *testing.T, name string) []byte {
	lf, err := cachekey.DnameToLF(name)
	assert.NoError(t, err)
	return lf
}

func TestAssembleProvesNXDomain(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "example.com.", "a.example.com.", "SOA NS", 2)
	stashNSEC(backend, t, "a.example.com.", "m.example.com.", "A", 3)

	qnameLF := zoneLF(t, "b.example.com.")
	result := Assemble(backend, zoneLF(t, "example.com."), qnameLF, dns.TypeA, 10, cacheentry.RankInsecure, nil)

	assert.Equal(t, RcodeNXDomain, result.Rcode)
	assert.Len(t, result.NSECs, 2)
}

func TestAssembleProvesNoData(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "a.example.com.", "m.example.com.", "A", 3)

	qnameLF := zoneLF(t, "a.example.com.")
	result := Assemble(backend, zoneLF(t, "example.com."), qnameLF, dns.TypeAAAA, 10, cacheentry.RankInsecure, nil)

	assert.Equal(t, RcodeNoData, result.Rcode)
	assert.Len(t, result.NSECs, 1)
}

func TestAssembleFindsPresentTypeIsNotNoData(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "a.example.com.", "m.example.com.", "A", 3)

	qnameLF := zoneLF(t, "a.example.com.")
	result := Assemble(backend, zoneLF(t, "example.com."), qnameLF, dns.TypeA, 10, cacheentry.RankInsecure, nil)

	assert.Equal(t, RcodeNone, result.Rcode)
}

func TestAssembleExpandsWildcard(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "wild.example.", "*.wild.example.", "SOA NS", 2)
	stashNSEC(backend, t, "*.wild.example.", "wild.example.", "A", 3)
	cachestash.Stash(backend, cachestash.Input{
		RRSet:  []dns.RR{mustRR(t, "*.wild.example. 300 IN A 192.0.2.9")},
		Rank:   cacheentry.RankInsecure | cacheentry.RankAuth,
		Now:    0,
		TTLMin: 5,
		TTLMax: 3600,
	})

	qnameLF := zoneLF(t, "foo.wild.example.")
	result := Assemble(backend, zoneLF(t, "wild.example."), qnameLF, dns.TypeA, 10, cacheentry.RankInsecure, nil)

	assert.Equal(t, RcodeWildcard, result.Rcode)
	assert.Len(t, result.Wildcard, 1)
	a, ok := result.Wildcard[0].(*dns.A)
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.9", a.A.String())
}

func TestAssembleMissesOnExpiredNSECWithoutStale(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "example.com.", "a.example.com.", "SOA NS", 2)
	stashNSEC(backend, t, "a.example.com.", "m.example.com.", "A", 3)

	qnameLF := zoneLF(t, "b.example.com.")
	result := Assemble(backend, zoneLF(t, "example.com."), qnameLF, dns.TypeA, 400, cacheentry.RankInsecure, nil)

	assert.Equal(t, RcodeNone, result.Rcode)
}

func TestAssembleServesStaleNSECWithCallback(t *testing.T) {
	backend := memkv.Open()
	stashNSEC(backend, t, "example.com.", "a.example.com.", "SOA NS", 2)
	stashNSEC(backend, t, "a.example.com.", "m.example.com.", "A", 3)

	qnameLF := zoneLF(t, "b.example.com.")
	stale := func(remaining int64) int64 { return 30 }
	result := Assemble(backend, zoneLF(t, "example.com."), qnameLF, dns.TypeA, 400, cacheentry.RankInsecure, stale)

	assert.Equal(t, RcodeNXDomain, result.Rcode)
}
