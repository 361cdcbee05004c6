// Package lmdbkv implements cachebackend.Backend on top of LMDB, the
// embedded memory-mapped B+tree store the cache's backend contract is
// written against. It is grounded directly on the teacher's own LMDB
// plumbing in internal/cache/cache.go (env setup, the single "cache" DBI,
// and the Update/View transaction wrapping).
package lmdbkv

import (
	"bytes"
	"fmt"
	"os"

	"github.com/bmatsuo/lmdb-go/lmdb"

	"dns-resolver/internal/cachebackend"
)

// Options configures Open.
type Options struct {
	// Path is the directory LMDB's data and lock files live under.
	Path string
	// MapSize bounds the memory-mapped region, and therefore the
	// maximum size the store can grow to without reopening.
	MapSize int64
}

const dbiName = "cache"

// DefaultMapSize matches the teacher's 1 GiB default.
const DefaultMapSize = 1 << 30

// KV is an LMDB-backed cachebackend.Backend.
type KV struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

// Open creates (if needed) and opens the LMDB environment at opts.Path.
func Open(opts Options) (*KV, error) {
	mapSize := opts.MapSize
	if mapSize <= 0 {
		mapSize = DefaultMapSize
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("lmdbkv: create environment: %w", err)
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lmdbkv: create directory %s: %w", opts.Path, err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		return nil, fmt.Errorf("lmdbkv: set max DBs: %w", err)
	}
	if err := env.SetMapSize(mapSize); err != nil {
		return nil, fmt.Errorf("lmdbkv: set map size: %w", err)
	}
	if err := env.Open(opts.Path, 0, 0o644); err != nil {
		return nil, fmt.Errorf("lmdbkv: open environment at %s: %w", opts.Path, err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) (err error) {
		dbi, err = txn.OpenDBI(dbiName, lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("lmdbkv: open database: %w", err)
	}

	return &KV{env: env, dbi: dbi}, nil
}

// Read implements cachebackend.Backend. The returned slice is a copy: the
// bmatsuo/lmdb-go API only hands back memory valid for the lifetime of the
// enclosing View closure, so the zero-copy promise of the backend contract
// ends at that boundary and this adapter copies once there (every other
// reader in the teacher's codebase does the same thing at the View edge).
func (kv *KV) Read(key []byte) ([]byte, error) {
	var out []byte
	err := kv.env.View(func(txn *lmdb.Txn) error {
		v, err := txn.Get(kv.dbi, key)
		if lmdb.IsNotFound(err) {
			return cachebackend.ErrNotFound
		}
		if err != nil {
			return err
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadLEQ implements cachebackend.Backend using a cursor positioned with
// lmdb.SetRange (first key >= target), stepping back one entry with
// lmdb.Prev when the positioned key overshoots.
func (kv *KV) ReadLEQ(key []byte) ([]byte, []byte, cachebackend.Match, error) {
	var actualKey, value []byte
	var match cachebackend.Match
	err := kv.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(kv.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		k, v, err := cursor.Get(key, nil, lmdb.SetRange)
		switch {
		case lmdb.IsNotFound(err):
			// Target is greater than every key; predecessor is the last key.
			k, v, err = cursor.Get(nil, nil, lmdb.Last)
			if lmdb.IsNotFound(err) {
				return cachebackend.ErrNotFound
			}
			if err != nil {
				return err
			}
			match = cachebackend.MatchLT
		case err != nil:
			return err
		case bytes.Equal(k, key):
			match = cachebackend.MatchEQ
		default:
			k, v, err = cursor.Get(nil, nil, lmdb.Prev)
			if lmdb.IsNotFound(err) {
				return cachebackend.ErrNotFound
			}
			if err != nil {
				return err
			}
			match = cachebackend.MatchLT
		}
		actualKey = append([]byte(nil), k...)
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return actualKey, value, match, nil
}

// Write implements cachebackend.Backend.
func (kv *KV) Write(key, value []byte) error {
	return kv.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(kv.dbi, key, value, 0)
	})
}

// Remove implements cachebackend.Backend.
func (kv *KV) Remove(key []byte) error {
	return kv.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(kv.dbi, key, nil)
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Count implements cachebackend.Backend.
func (kv *KV) Count() (int, error) {
	var stat *lmdb.Stat
	err := kv.env.View(func(txn *lmdb.Txn) error {
		s, err := txn.Stat(kv.dbi)
		if err != nil {
			return err
		}
		stat = s
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(stat.Entries), nil
}

// Clear implements cachebackend.Backend.
func (kv *KV) Clear() error {
	return kv.env.Update(func(txn *lmdb.Txn) error {
		return txn.Drop(kv.dbi, false)
	})
}

// Sync implements cachebackend.Backend.
func (kv *KV) Sync() error {
	return kv.env.Sync(true)
}

// Close implements cachebackend.Backend.
func (kv *KV) Close() error {
	kv.env.Close()
	return nil
}

// reservation wraps a manually-managed LMDB write transaction so the
// caller can fill PutReserve's buffer directly and decide, after writing
// it, whether to Commit or Discard. This is what lets the stash path
// write an entry's TTL field last (see cachestash): the transaction
// itself does not become visible until Commit, but the in-buffer field
// order the stash path chooses is preserved verbatim onto the mmap page.
type reservation struct {
	txn *lmdb.Txn
	buf []byte
}

// Reserve implements cachebackend.Backend's zero-copy insert.
func (kv *KV) Reserve(key []byte, size int) (cachebackend.Reservation, error) {
	txn, err := kv.env.BeginTxn(nil, 0)
	if err != nil {
		return nil, err
	}
	buf, err := txn.PutReserve(kv.dbi, key, size, 0)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	return &reservation{txn: txn, buf: buf}, nil
}

func (r *reservation) Bytes() []byte { return r.buf }

func (r *reservation) Commit() error { return r.txn.Commit() }

func (r *reservation) Discard() { r.txn.Abort() }
