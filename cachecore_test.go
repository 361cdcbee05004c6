package dnsresolver

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"dns-resolver/internal/cachebackend/memkv"
	"dns-resolver/internal/cachecore"
	"dns-resolver/internal/cacheentry"
	"dns-resolver/internal/cachepolicy"
	"dns-resolver/internal/cachetypes"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	assert.NoError(t, err)
	return rr
}

func TestCacheStashAndPeekRoundTrip(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	c.Stash([]StashSection{{
		RRSet: []dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")},
		Rank:  cacheentry.RankSecure | cacheentry.RankAuth,
	}}, 1)

	packet, flags, done := c.Peek(PeekRequest{QName: "example.com.", QType: dns.TypeA, Now: 11})
	assert.True(t, done)
	assert.Equal(t, dns.RcodeSuccess, packet.Rcode)
	assert.Equal(t, uint32(290), packet.Answer[0].Header().Ttl)
	assert.NotEqual(t, cachetypes.QueryFlags(0), flags&cachetypes.FlagCached)
}

func TestCachePeekRespectsRankFloor(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	c.Stash([]StashSection{{
		RRSet: []dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")},
		Rank:  cacheentry.RankInitial,
	}}, 0)

	_, _, done := c.Peek(PeekRequest{
		QName: "example.com.", QType: dns.TypeA, Now: 10,
		Policy: cachepolicy.Request{HasTrustAnchor: true},
	})
	assert.False(t, done)
}

func TestCachePeekServesStaleUnderCallback(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	c.Stash([]StashSection{{
		RRSet: []dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")},
		Rank:  cacheentry.RankSecure | cacheentry.RankAuth,
	}}, 1)

	packet, _, done := c.Peek(PeekRequest{
		QName: "example.com.", QType: dns.TypeA, Now: 401,
		Policy: cachepolicy.Request{Stale: func(remaining int64) int64 { return 30 }},
	})
	assert.True(t, done)
	assert.Equal(t, uint32(30), packet.Answer[0].Header().Ttl)
}

func TestCacheInsertRRAndPeekExact(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	c.InsertRR([]dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")}, nil, cacheentry.RankSecure|cacheentry.RankAuth, 0)

	result := c.PeekExact("example.com.", dns.TypeA)
	assert.True(t, result.Found)
	assert.Equal(t, uint32(300), result.TTL)
	assert.Len(t, result.RRSet, 1)
}

func TestCachePeekExactNeverReturnsPacketEntries(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	msg := new(dns.Msg)
	msg.SetQuestion("nope.example.com.", dns.TypeA)
	msg.Rcode = dns.RcodeNameError
	wire, err := msg.Pack()
	assert.NoError(t, err)
	c.StashPacket("nope.example.com.", dns.TypeA, wire, cacheentry.RankBogus, 60, 0)

	result := c.PeekExact("nope.example.com.", dns.TypeA)
	assert.False(t, result.Found)
}

func TestOpenPurgesStaleVersionAcrossReopen(t *testing.T) {
	backend := memkv.Open()

	c1, err := Open(cachecore.Options{Backend: backend})
	assert.NoError(t, err)
	c1.InsertRR([]dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")}, nil, cacheentry.RankSecure|cacheentry.RankAuth, 0)
	assert.NoError(t, c1.Close())

	// Simulate an on-disk layout from an older cache version: corrupt the
	// version key so the next open must purge rather than serve stale data
	// under a new entry layout.
	assert.NoError(t, backend.Write([]byte{0x00, 0x00, 'V'}, []byte{0, 1}))

	c2, err := Open(cachecore.Options{Backend: backend})
	assert.NoError(t, err)
	defer c2.Close()

	result := c2.PeekExact("example.com.", dns.TypeA)
	assert.False(t, result.Found)
}

func TestCacheClearRemovesEntries(t *testing.T) {
	c, err := Open(cachecore.Options{Backend: memkv.Open()})
	assert.NoError(t, err)
	defer c.Close()

	c.InsertRR([]dns.RR{mustRR(t, "example.com. 300 IN A 192.0.2.1")}, nil, cacheentry.RankSecure|cacheentry.RankAuth, 0)
	assert.NoError(t, c.Clear())

	result := c.PeekExact("example.com.", dns.TypeA)
	assert.False(t, result.Found)
}
