package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dns-resolver/internal/cachebackend/memkv"
)

func TestCacheOptionsWiresVersionAndTTLFromConfig(t *testing.T) {
	c := NewConfig()
	c.CacheVersion = 7
	backend := memkv.Open()

	opts := c.CacheOptions(backend)

	assert.Equal(t, backend, opts.Backend)
	assert.Equal(t, c.CacheMinTTL, opts.TTLMin)
	assert.Equal(t, c.CacheMaxTTL, opts.TTLMax)
	assert.Equal(t, uint16(7), opts.ConfigVersion)
}

func TestCacheOptionsEnablesNegativeProofByDefault(t *testing.T) {
	c := NewConfig()
	assert.True(t, c.NSECAggressiveCache)

	opts := c.CacheOptions(memkv.Open())
	assert.False(t, opts.DisableNegativeProof)
}

func TestCacheOptionsDisablesNegativeProofWhenConfigured(t *testing.T) {
	c := NewConfig()
	c.NSECAggressiveCache = false

	opts := c.CacheOptions(memkv.Open())
	assert.True(t, opts.DisableNegativeProof)
}
