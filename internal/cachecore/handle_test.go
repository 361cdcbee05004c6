package cachecore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cachebackend/memkv"
	"dns-resolver/internal/cachekey"
)

func TestOpenStampsVersionOnEmptyStore(t *testing.T) {
	backend := memkv.Open()
	h, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)

	value, err := backend.Read(cachekey.VersionKey())
	assert.NoError(t, err)
	got := uint16(value[0])<<8 | uint16(value[1])
	assert.Equal(t, CacheVersion, got)
	assert.Equal(t, uint32(DefaultTTLMin.Seconds()), h.TTLMin())
	assert.Equal(t, uint32(DefaultTTLMax.Seconds()), h.TTLMax())
}

func TestOpenPurgesOnVersionMismatch(t *testing.T) {
	backend := memkv.Open()
	assert.NoError(t, backend.Write([]byte("stale-key"), []byte("stale-value")))
	assert.NoError(t, backend.Write(cachekey.VersionKey(), []byte{0, 1}))

	_, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)

	_, err = backend.Read([]byte("stale-key"))
	assert.ErrorIs(t, err, cachebackend.ErrNotFound)

	value, err := backend.Read(cachekey.VersionKey())
	assert.NoError(t, err)
	got := uint16(value[0])<<8 | uint16(value[1])
	assert.Equal(t, CacheVersion, got)
}

func TestOpenPurgesOnMissingVersionKeyInNonEmptyStore(t *testing.T) {
	backend := memkv.Open()
	assert.NoError(t, backend.Write([]byte("leftover"), []byte("x")))

	_, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)

	_, err = backend.Read([]byte("leftover"))
	assert.ErrorIs(t, err, cachebackend.ErrNotFound)
}

func TestOpenAcceptsMatchingVersion(t *testing.T) {
	backend := memkv.Open()
	assert.NoError(t, backend.Write(cachekey.VersionKey(), []byte{byte(CacheVersion >> 8), byte(CacheVersion)}))
	assert.NoError(t, backend.Write([]byte("kept"), []byte("x")))

	_, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)

	_, err = backend.Read([]byte("kept"))
	assert.NoError(t, err)
}

func TestOpenRejectsNilBackend(t *testing.T) {
	_, err := Open(Options{DisableProcessSampling: true})
	assert.Error(t, err)
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindProgrammerError, cerr.Kind)
}

func TestClearReStampsVersion(t *testing.T) {
	backend := memkv.Open()
	h, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)
	assert.NoError(t, backend.Write([]byte("extra"), []byte("x")))

	assert.NoError(t, h.Clear())

	n, err := h.Count()
	assert.NoError(t, err)
	assert.Equal(t, 2, n) // the layout version key and the config version key
}

func TestOpenPurgesOnConfigVersionMismatch(t *testing.T) {
	backend := memkv.Open()
	_, err := Open(Options{Backend: backend, ConfigVersion: 5, DisableProcessSampling: true})
	assert.NoError(t, err)
	assert.NoError(t, backend.Write([]byte("extra"), []byte("x")))

	_, err = Open(Options{Backend: backend, ConfigVersion: 6, DisableProcessSampling: true})
	assert.NoError(t, err)

	_, err = backend.Read([]byte("extra"))
	assert.ErrorIs(t, err, cachebackend.ErrNotFound)

	cvalue, err := backend.Read(cachekey.ConfigVersionKey())
	assert.NoError(t, err)
	got := uint16(cvalue[0])<<8 | uint16(cvalue[1])
	assert.Equal(t, uint16(6), got)
}

func TestOpenAcceptsStoreWithNoConfigVersionKeyWhenDefaultIsZero(t *testing.T) {
	backend := memkv.Open()
	assert.NoError(t, backend.Write(cachekey.VersionKey(), []byte{byte(CacheVersion >> 8), byte(CacheVersion)}))
	assert.NoError(t, backend.Write([]byte("kept"), []byte("x")))

	_, err := Open(Options{Backend: backend, DisableProcessSampling: true})
	assert.NoError(t, err)

	_, err = backend.Read([]byte("kept"))
	assert.NoError(t, err)
}

func TestHandleAppliesCustomTTLClamps(t *testing.T) {
	backend := memkv.Open()
	h, err := Open(Options{Backend: backend, TTLMin: 10 * time.Second, TTLMax: 100 * time.Second, DisableProcessSampling: true})
	assert.NoError(t, err)
	assert.Equal(t, uint32(10), h.TTLMin())
	assert.Equal(t, uint32(100), h.TTLMax())
}
