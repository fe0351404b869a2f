package ledge

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

func seedResource(t *testing.T, engine *testEngine, chain *KeyChain, body []byte) {
	t.Helper()
	ctx := context.Background()

	entity := "seeded-entity"
	if len(body) > 0 {
		w, err := engine.storage.Writer(ctx, entity, time.Minute, func(int64) {}, func(err error) { t.Fatal(err) })
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	tx, err := engine.store.Begin(ctx, chain.Main)
	require.NoError(t, err)
	main := map[string]string{
		"status": "200",
		"uri":    "/foo",
	}
	if len(body) > 0 {
		main["entity"] = entity
		main["size"] = strconv.Itoa(len(body))
	}
	tx.HSet(chain.Main, main)
	tx.HSet(chain.Headers, map[string]string{"Content-Type": "text/html", "X-Multi": "one\ntwo"})
	if len(body) > 0 {
		tx.ZAdd(chain.Entities, float64(len(body)), entity)
	}
	require.NoError(t, tx.Exec(ctx))
}

func TestReadMissOnAbsentMetadata(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/missing")

	res, err := engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestReadHitLoadsMetadataAndHeaders(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/foo")
	seedResource(t, engine, chain, []byte("cached body"))

	res, err := engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 200, res.Status)
	require.Equal(t, "text/html", res.Header.Get("Content-Type"))
	require.Equal(t, []string{"one", "two"}, res.Header.Values("X-Multi"))

	var body []byte
	for {
		chunk, err := res.Body()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body = append(body, chunk...)
	}
	require.Equal(t, "cached body", string(body))
}

func TestReadMissingEntityDegradesToMiss(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/foo")
	seedResource(t, engine, chain, []byte("cached body"))

	// the entity vanishes out from under the metadata
	require.NoError(t, engine.storage.Delete(context.Background(), "seeded-entity"))

	res, err := engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.Nil(t, res)

	// exactly one deferred collection was scheduled for the leftovers
	jobs := engine.queue.byType(JobCollectEntity)
	require.Len(t, jobs, 1)
	payload := jobs[0].Payload.(CollectPayload)
	require.Equal(t, "seeded-entity", payload.Entity)
	require.Equal(t, chain.Entities, payload.EntitiesKey)
	require.Positive(t, jobs[0].Opts.Delay)

	// repeated reads collapse into the same pending job
	_, err = engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.Len(t, engine.queue.byType(JobCollectEntity), 1)
}

func TestReadBodilessHit(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/empty")
	seedResource(t, engine, chain, nil)

	res, err := engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Nil(t, res.Body)
}

func TestReadEmitsAfterCacheRead(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/foo")
	seedResource(t, engine, chain, []byte("x"))

	var seen *Response
	engine.Bind(EventAfterCacheRead, func(payload any) error {
		seen = payload.(*Response)
		return nil
	})
	res, err := engine.Reader.Read(context.Background(), chain)
	require.NoError(t, err)
	require.Same(t, res, seen)
}

// brokenStore fails every operation, standing in for an unreachable store.
type brokenStore struct{ err error }

func (b *brokenStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return nil, b.err
}
func (b *brokenStore) HGet(ctx context.Context, key, field string) (string, error) {
	return "", b.err
}
func (b *brokenStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, b.err
}
func (b *brokenStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	return nil, b.err
}
func (b *brokenStore) ZRem(ctx context.Context, key, member string) error { return b.err }
func (b *brokenStore) ZCard(ctx context.Context, key string) (int64, error) {
	return 0, b.err
}
func (b *brokenStore) Del(ctx context.Context, keys ...string) error { return b.err }
func (b *brokenStore) Begin(ctx context.Context, watchKey string) (store.Tx, error) {
	return nil, b.err
}
func (b *brokenStore) Ping(ctx context.Context) error { return b.err }
func (b *brokenStore) Close() error                   { return nil }

func TestReadStoreFailureIsNotAMiss(t *testing.T) {
	logger := zerolog.Nop()
	boom := errors.New("store unreachable")
	reader := &CacheReader{
		store:     &brokenStore{err: boom},
		storage:   storage.NewMemoryDriver(0),
		events:    NewEventBus(logger),
		log:       logger,
		chunkSize: defaultChunkSize,
	}

	res, err := reader.Read(context.Background(), NewKeyChain("ledge:cache:example.com:/foo"))
	require.Nil(t, res)
	require.ErrorIs(t, err, boom)
}

// headersFailStore serves metadata but fails on the stored-headers key,
// exercising the partial-failure path.
type headersFailStore struct {
	*store.MemoryStore
	err error
}

func (s *headersFailStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if strings.HasSuffix(key, "::headers") {
		return nil, s.err
	}
	return s.MemoryStore.HGetAll(ctx, key)
}

func TestReadHeaderLoadFailurePropagates(t *testing.T) {
	engine := newTestEngine(nil)
	chain := NewKeyChain("ledge:cache:example.com:/foo")
	seedResource(t, engine, chain, []byte("cached body"))

	logger := zerolog.Nop()
	boom := errors.New("headers unreadable")
	reader := &CacheReader{
		store:     &headersFailStore{MemoryStore: engine.store, err: boom},
		storage:   engine.storage,
		scheduler: engine.Scheduler,
		events:    NewEventBus(logger),
		log:       logger,
		chunkSize: defaultChunkSize,
	}

	res, err := reader.Read(context.Background(), chain)
	require.Nil(t, res)
	require.ErrorIs(t, err, boom)
}
