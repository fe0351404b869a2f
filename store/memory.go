package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process MetadataStore used by tests and by dev mode.
// It keeps per-key versions so the optimistic transaction protocol behaves
// like the Redis implementation.
type MemoryStore struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64
	expiries map[string]time.Time
	versions map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
		expiries: make(map[string]time.Time),
		versions: make(map[string]uint64),
	}
}

// expireLocked drops a key whose TTL has passed. Callers hold mu.
func (s *MemoryStore) expireLocked(key string) {
	if exp, ok := s.expiries[key]; ok && time.Now().After(exp) {
		delete(s.hashes, key)
		delete(s.zsets, key)
		delete(s.expiries, key)
	}
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	h, ok := s.hashes[key]
	if !ok || len(h) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if h, ok := s.hashes[key]; ok {
		if v, ok := h[field]; ok {
			return v, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	_, hasHash := s.hashes[key]
	_, hasZset := s.zsets[key]
	if !hasHash && !hasZset {
		return 0, ErrNotFound
	}
	if exp, ok := s.expiries[key]; ok {
		return time.Until(exp), nil
	}
	return -1, nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var keys []string
	for key := range s.hashes {
		if globMatch(pattern, key) && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for key := range s.zsets {
		if globMatch(pattern, key) && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// globMatch implements the * wildcard the way a Redis MATCH pattern does:
// each * matches any run of characters, including none.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(s, part)
		if i < 0 {
			return false
		}
		s = s[i+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

func (s *MemoryStore) ZRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z, ok := s.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.hashes, key)
		delete(s.zsets, key)
		delete(s.expiries, key)
		s.versions[key]++
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Begin(ctx context.Context, watchKey string) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memoryTx{store: s, watchKey: watchKey, version: s.versions[watchKey]}, nil
}

type memoryTx struct {
	store    *MemoryStore
	watchKey string
	version  uint64
	queued   []mutation
	finished bool
}

func (t *memoryTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return t.store.HGetAll(ctx, key)
}

func (t *memoryTx) TTL(ctx context.Context, key string) (time.Duration, error) {
	return t.store.TTL(ctx, key)
}

func (t *memoryTx) HSet(key string, fields map[string]string) {
	t.queued = append(t.queued, mutation{op: opHSet, key: key, fields: fields})
}

func (t *memoryTx) HDel(key string, fields ...string) {
	t.queued = append(t.queued, mutation{op: opHDel, key: key, names: fields})
}

func (t *memoryTx) ZAdd(key string, score float64, member string) {
	t.queued = append(t.queued, mutation{op: opZAdd, key: key, score: score, member: member})
}

func (t *memoryTx) ZRem(key string, member string) {
	t.queued = append(t.queued, mutation{op: opZRem, key: key, member: member})
}

func (t *memoryTx) Expire(key string, ttl time.Duration) {
	t.queued = append(t.queued, mutation{op: opExpire, key: key, ttl: ttl})
}

func (t *memoryTx) Del(keys ...string) {
	t.queued = append(t.queued, mutation{op: opDel, keys: keys})
}

func (t *memoryTx) Exec(ctx context.Context) error {
	if t.finished {
		return nil
	}
	t.finished = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[t.watchKey] != t.version {
		return ErrConflict
	}
	for _, m := range t.queued {
		switch m.op {
		case opHSet:
			h, ok := s.hashes[m.key]
			if !ok {
				h = make(map[string]string)
				s.hashes[m.key] = h
			}
			for k, v := range m.fields {
				h[k] = v
			}
		case opHDel:
			if h, ok := s.hashes[m.key]; ok {
				for _, f := range m.names {
					delete(h, f)
				}
			}
		case opZAdd:
			z, ok := s.zsets[m.key]
			if !ok {
				z = make(map[string]float64)
				s.zsets[m.key] = z
			}
			z[m.member] = m.score
		case opZRem:
			if z, ok := s.zsets[m.key]; ok {
				delete(z, m.member)
			}
		case opExpire:
			s.expiries[m.key] = time.Now().Add(m.ttl)
		case opDel:
			for _, key := range m.keys {
				delete(s.hashes, key)
				delete(s.zsets, key)
				delete(s.expiries, key)
				s.versions[key]++
			}
		}
	}
	s.versions[t.watchKey]++
	return nil
}

func (t *memoryTx) Discard() {
	t.finished = true
	t.queued = nil
}
