// Package store defines the metadata store the cache engine coordinates
// through, plus the Redis and in-memory implementations.
//
// The store holds hash-like records (resource metadata, stored headers,
// revalidation parameters) and one scored set per resource tracking live
// entity identifiers. Cross-request coordination happens through the
// optimistic transaction protocol: Begin watches a single key, and Exec
// refuses to commit if that key changed in the meantime.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
// Callers treat it as a cache miss, not a failure.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Tx.Exec when the watched key was modified
// by another writer between Begin and Exec. None of the queued mutations
// are applied.
var ErrConflict = errors.New("store: transaction aborted by concurrent write")

// Tx is an optimistic transaction. Reads go straight to the store;
// mutations are queued and applied atomically by Exec, which fails with
// ErrConflict if the watched key changed since Begin.
//
// A Tx must be finished with exactly one call to Exec or Discard.
type Tx interface {
	// HGetAll reads a hash record. Missing records yield ErrNotFound.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// TTL reports the remaining expiry of key. A negative duration means
	// no expiry is set; ErrNotFound means the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, member string)
	Expire(key string, ttl time.Duration)
	Del(keys ...string)

	Exec(ctx context.Context) error
	Discard()
}

// MetadataStore is the single source of truth for cached resource metadata.
type MetadataStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	// TTL reports the remaining expiry of key. A negative duration means
	// no expiry is set; ErrNotFound means the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan lists the keys matching a glob pattern, where * matches any
	// run of characters.
	Scan(ctx context.Context, pattern string) ([]string, error)
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	// Begin starts an optimistic transaction watching watchKey.
	Begin(ctx context.Context, watchKey string) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

type mutation struct {
	op     string
	key    string
	fields map[string]string
	names  []string
	score  float64
	member string
	ttl    time.Duration
	keys   []string
}

const (
	opHSet   = "hset"
	opHDel   = "hdel"
	opZAdd   = "zadd"
	opZRem   = "zrem"
	opExpire = "expire"
	opDel    = "del"
)
