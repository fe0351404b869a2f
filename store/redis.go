package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// generationField is kept on every watched hash and bumped on each commit.
// It is what makes the compare-and-swap work when the commit happens long
// after Begin (for instance once an entity body has finished streaming).
const generationField = "generation"

// RedisStore implements MetadataStore on a Redis server or cluster member.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return res, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return res, err
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis passes through the raw -2 (no key) and -1 (no expiry) markers
	if d == time.Duration(-2) {
		return 0, ErrNotFound
	}
	return d, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Begin snapshots the watched key's generation counter. Exec later verifies
// the counter under a native WATCH before replaying the queued mutations,
// so a concurrent writer committing in between aborts this transaction.
func (s *RedisStore) Begin(ctx context.Context, watchKey string) (Tx, error) {
	gen, err := s.client.HGet(ctx, watchKey, generationField).Result()
	if err == redis.Nil {
		gen = ""
	} else if err != nil {
		return nil, err
	}
	return &redisTx{store: s, watchKey: watchKey, generation: gen}, nil
}

type redisTx struct {
	store      *RedisStore
	watchKey   string
	generation string
	queued     []mutation
	finished   bool
}

func (t *redisTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return t.store.HGetAll(ctx, key)
}

func (t *redisTx) TTL(ctx context.Context, key string) (time.Duration, error) {
	return t.store.TTL(ctx, key)
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	t.queued = append(t.queued, mutation{op: opHSet, key: key, fields: fields})
}

func (t *redisTx) HDel(key string, fields ...string) {
	t.queued = append(t.queued, mutation{op: opHDel, key: key, names: fields})
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.queued = append(t.queued, mutation{op: opZAdd, key: key, score: score, member: member})
}

func (t *redisTx) ZRem(key string, member string) {
	t.queued = append(t.queued, mutation{op: opZRem, key: key, member: member})
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	t.queued = append(t.queued, mutation{op: opExpire, key: key, ttl: ttl})
}

func (t *redisTx) Del(keys ...string) {
	t.queued = append(t.queued, mutation{op: opDel, keys: keys})
}

func (t *redisTx) Exec(ctx context.Context) error {
	if t.finished {
		return nil
	}
	t.finished = true
	err := t.store.client.Watch(ctx, func(rtx *redis.Tx) error {
		gen, err := rtx.HGet(ctx, t.watchKey, generationField).Result()
		if err == redis.Nil {
			gen = ""
		} else if err != nil {
			return err
		}
		if gen != t.generation {
			return ErrConflict
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range t.queued {
				switch m.op {
				case opHSet:
					args := make([]interface{}, 0, len(m.fields)*2)
					for k, v := range m.fields {
						args = append(args, k, v)
					}
					pipe.HSet(ctx, m.key, args...)
				case opHDel:
					pipe.HDel(ctx, m.key, m.names...)
				case opZAdd:
					pipe.ZAdd(ctx, m.key, redis.Z{Score: m.score, Member: m.member})
				case opZRem:
					pipe.ZRem(ctx, m.key, m.member)
				case opExpire:
					pipe.Expire(ctx, m.key, m.ttl)
				case opDel:
					pipe.Del(ctx, m.keys...)
				}
			}
			next := 1
			if n, err := strconv.Atoi(t.generation); err == nil {
				next = n + 1
			}
			pipe.HSet(ctx, t.watchKey, generationField, strconv.Itoa(next))
			return nil
		})
		return err
	}, t.watchKey)
	if err == redis.TxFailedErr {
		return ErrConflict
	}
	return err
}

func (t *redisTx) Discard() {
	t.finished = true
	t.queued = nil
}
