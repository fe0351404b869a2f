package ledge

import (
	"context"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

type queuedJob struct {
	Queue   string
	Type    string
	Payload any
	Opts    JobOptions
}

// fakeQueue records enqueued jobs and collapses duplicates by dedupe id,
// like the real job facility.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue, jobType string, payload any, opts JobOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if opts.DedupeID != "" {
		for _, j := range q.jobs {
			if j.Opts.DedupeID == opts.DedupeID {
				return nil
			}
		}
	}
	q.jobs = append(q.jobs, queuedJob{Queue: queue, Type: jobType, Payload: payload, Opts: opts})
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) byType(jobType string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

type testEngine struct {
	*Ledge
	store   *store.MemoryStore
	storage *storage.MemoryDriver
	queue   *fakeQueue
}

func newTestEngine(origin *httptest.Server) *testEngine {
	var originURL url.URL
	if origin != nil {
		u, _ := url.Parse(origin.URL)
		originURL = *u
	}
	logger := zerolog.Nop()
	memStore := store.NewMemoryStore()
	memStorage := storage.NewMemoryDriver(0)
	queue := &fakeQueue{}
	l := New(Config{
		Store:           memStore,
		Storage:         memStorage,
		Queue:           queue,
		OriginURL:       originURL,
		ConnectTimeout:  2 * time.Second,
		ReadTimeout:     2 * time.Second,
		DefaultTTL:      time.Minute,
		VisibleHostname: "cache-test",
		Logger:          &logger,
	})
	return &testEngine{Ledge: l, store: memStore, storage: memStorage, queue: queue}
}
