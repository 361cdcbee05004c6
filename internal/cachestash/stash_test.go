package cachestash

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"dns-resolver/internal/cachebackend/memkv"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachekey"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	assert.NoError(t, err)
	return rr
}

func TestStashPlainRRSetRoundTrip(t *testing.T) {
	backend := memkv.Open()
	rrset := []dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")}

	Stash(backend, Input{RRSet: rrset, Rank: cacheentry.RankSecure | cacheentry.RankAuth, Now: 100, TTLMin: 5, TTLMax: 3600})

	lf, _ := cachekey.DnameToLF("example.com.")
	value, err := backend.Read(cachekey.ExactKey(lf, dns.TypeA))
	assert.NoError(t, err)

	entry, err := cacheentry.Parse(value)
	assert.NoError(t, err)
	assert.Equal(t, uint32(300), entry.Header.TTL)

	got, _, err := entry.RRSet()
	assert.NoError(t, err)
	assert.Equal(t, rrset[0].String(), got[0].String())
}

func TestStashRefusesWorseRank(t *testing.T) {
	backend := memkv.Open()
	rrset := []dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")}

	Stash(backend, Input{RRSet: rrset, Rank: cacheentry.RankSecure | cacheentry.RankAuth, Now: 100, TTLMin: 5, TTLMax: 3600})
	Stash(backend, Input{RRSet: rrset, Rank: cacheentry.RankInsecure, Now: 100, TTLMin: 5, TTLMax: 3600})

	lf, _ := cachekey.DnameToLF("example.com.")
	value, _ := backend.Read(cachekey.ExactKey(lf, dns.TypeA))
	entry, _ := cacheentry.Parse(value)
	assert.Equal(t, cacheentry.RankSecure|cacheentry.RankAuth, entry.Header.Rank)
}

func TestStashNSAndCNAMETunnelUnderSameKey(t *testing.T) {
	backend := memkv.Open()
	ns := []dns.RR{mustRR(t, "example.com. 3600 IN NS a.iana-servers.net.")}
	cname := []dns.RR{mustRR(t, "www.example.com. 300 IN CNAME example.com.")}

	Stash(backend, Input{RRSet: ns, Rank: cacheentry.RankInsecure | cacheentry.RankAuth, Now: 0, TTLMin: 5, TTLMax: 3600})
	Stash(backend, Input{RRSet: cname, Rank: cacheentry.RankInsecure | cacheentry.RankAuth, Now: 0, TTLMin: 5, TTLMax: 3600})

	lf, _ := cachekey.DnameToLF("www.example.com.")
	value, err := backend.Read(cachekey.ExactKey(lf, dns.TypeNS))
	assert.NoError(t, err)

	entry, err := cacheentry.Parse(value)
	assert.NoError(t, err)

	gotCNAME, _, found, err := entry.Seek(dns.TypeCNAME)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cname[0].String(), gotCNAME[0].String())
}

func TestStashNSDoesNotClobberCNAME(t *testing.T) {
	backend := memkv.Open()
	cname := []dns.RR{mustRR(t, "x.example.com. 300 IN CNAME example.com.")}
	ns := []dns.RR{mustRR(t, "x.example.com. 3600 IN NS a.iana-servers.net.")}

	Stash(backend, Input{RRSet: cname, Rank: cacheentry.RankInsecure | cacheentry.RankAuth, Now: 0, TTLMin: 5, TTLMax: 3600})
	Stash(backend, Input{RRSet: ns, Rank: cacheentry.RankInsecure | cacheentry.RankAuth, Now: 0, TTLMin: 5, TTLMax: 3600})

	lf, _ := cachekey.DnameToLF("x.example.com.")
	value, err := backend.Read(cachekey.ExactKey(lf, dns.TypeNS))
	assert.NoError(t, err)
	entry, err := cacheentry.Parse(value)
	assert.NoError(t, err)

	_, _, found, err := entry.Seek(dns.TypeCNAME)
	assert.NoError(t, err)
	assert.True(t, found, "NS stash must not clobber the existing CNAME sub-entry")

	_, _, found, err = entry.Seek(dns.TypeNS)
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestStashPacketRoundTrip(t *testing.T) {
	backend := memkv.Open()
	msg := new(dns.Msg)
	msg.SetQuestion("nope.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError
	wire, err := msg.Pack()
	assert.NoError(t, err)

	StashPacket(backend, "nope.example.com.", dns.TypeA, wire, cacheentry.RankBogus, 0, 60, 5, 3600)

	lf, _ := cachekey.DnameToLF("nope.example.com.")
	value, err := backend.Read(cachekey.ExactKey(lf, dns.TypeA))
	assert.NoError(t, err)
	entry, err := cacheentry.Parse(value)
	assert.NoError(t, err)
	got, err := entry.Packet()
	assert.NoError(t, err)
	assert.Equal(t, wire, got)
}

func TestStashClampsTTL(t *testing.T) {
	backend := memkv.Open()
	rrset := []dns.RR{mustRR(t, "example.com. 999999 IN A 192.0.2.1")}

	Stash(backend, Input{RRSet: rrset, Rank: cacheentry.RankSecure | cacheentry.RankAuth, Now: 0, TTLMin: 5, TTLMax: 3600})

	lf, _ := cachekey.DnameToLF("example.com.")
	value, _ := backend.Read(cachekey.ExactKey(lf, dns.TypeA))
	entry, _ := cacheentry.Parse(value)
	assert.Equal(t, uint32(3600), entry.Header.TTL)
}
