// Package memkv is an ordered, in-memory implementation of
// cachebackend.Backend. It backs the cache's tests and any caller that
// passes it as cachecore.Options.Backend, following the teacher's
// cache.go/sharded_cache.go habit of offering a pure in-memory tier
// alongside the persistent one.
package memkv

import (
	"sort"
	"sync"

	"dns-resolver/internal/cachebackend"
)

// KV is a sorted, mutex-guarded map keyed by raw byte strings, ordered
// lexicographically as cachebackend.Backend requires.
type KV struct {
	mu     sync.Mutex
	keys   []string // kept sorted
	values map[string][]byte
}

// Open returns a ready-to-use, empty backend.
func Open() *KV {
	return &KV{values: make(map[string][]byte)}
}

func (kv *KV) indexOf(key string) (idx int, found bool) {
	idx = sort.Search(len(kv.keys), func(i int) bool { return kv.keys[i] >= key })
	found = idx < len(kv.keys) && kv.keys[idx] == key
	return idx, found
}

func (kv *KV) insertLocked(key string) {
	idx, found := kv.indexOf(key)
	if found {
		return
	}
	kv.keys = append(kv.keys, "")
	copy(kv.keys[idx+1:], kv.keys[idx:])
	kv.keys[idx] = key
}

func (kv *KV) removeLocked(key string) {
	idx, found := kv.indexOf(key)
	if !found {
		return
	}
	kv.keys = append(kv.keys[:idx], kv.keys[idx+1:]...)
}

// Read implements cachebackend.Backend.
func (kv *KV) Read(key []byte) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[string(key)]
	if !ok {
		return nil, cachebackend.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// ReadLEQ implements cachebackend.Backend.
func (kv *KV) ReadLEQ(key []byte) ([]byte, []byte, cachebackend.Match, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	k := string(key)
	idx, found := kv.indexOf(k)
	if found {
		v := kv.values[k]
		out := make([]byte, len(v))
		copy(out, v)
		return []byte(k), out, cachebackend.MatchEQ, nil
	}
	// idx is the first key >= k; the predecessor is idx-1.
	if idx == 0 {
		return nil, nil, 0, cachebackend.ErrNotFound
	}
	predKey := kv.keys[idx-1]
	v := kv.values[predKey]
	out := make([]byte, len(v))
	copy(out, v)
	return []byte(predKey), out, cachebackend.MatchLT, nil
}

// Write implements cachebackend.Backend.
func (kv *KV) Write(key, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.insertLocked(string(key))
	v := make([]byte, len(value))
	copy(v, value)
	kv.values[string(key)] = v
	return nil
}

// Remove implements cachebackend.Backend.
func (kv *KV) Remove(key []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.removeLocked(string(key))
	delete(kv.values, string(key))
	return nil
}

// Count implements cachebackend.Backend.
func (kv *KV) Count() (int, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.keys), nil
}

// Clear implements cachebackend.Backend.
func (kv *KV) Clear() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.keys = nil
	kv.values = make(map[string][]byte)
	return nil
}

// Sync is a no-op; the in-memory backend has no durability to flush.
func (kv *KV) Sync() error { return nil }

// Close is a no-op; there is nothing to release.
func (kv *KV) Close() error { return nil }

// Reserve implements cachebackend.Backend with a plain heap buffer; the
// in-memory backend has no mmap region to reserve into, so this is the
// closest Go-idiomatic equivalent of a zero-copy insert.
func (kv *KV) Reserve(key []byte, size int) (cachebackend.Reservation, error) {
	return &reservation{kv: kv, key: append([]byte(nil), key...), buf: make([]byte, size)}, nil
}

type reservation struct {
	kv  *KV
	key []byte
	buf []byte
}

func (r *reservation) Bytes() []byte { return r.buf }

func (r *reservation) Commit() error {
	return r.kv.Write(r.key, r.buf)
}

func (r *reservation) Discard() {}

// Keys returns a copy of every stored key in sorted order, for tests and
// for callers that want to scan a zone prefix directly instead of driving
// repeated ReadLEQ calls.
func (kv *KV) Keys() [][]byte {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	out := make([][]byte, len(kv.keys))
	for i, k := range kv.keys {
		out[i] = []byte(k)
	}
	return out
}
