package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryDriver is an in-process Driver for tests and dev mode.
type MemoryDriver struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	expires map[string]time.Time
	maxSize int64
}

func NewMemoryDriver(maxSize int64) *MemoryDriver {
	if maxSize <= 0 {
		maxSize = defaultMaxEntitySize
	}
	return &MemoryDriver{
		bodies:  make(map[string][]byte),
		expires: make(map[string]time.Time),
		maxSize: maxSize,
	}
}

func (m *MemoryDriver) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[id]; ok && time.Now().After(exp) {
		delete(m.bodies, id)
		delete(m.expires, id)
	}
	_, ok := m.bodies[id]
	return ok, nil
}

func (m *MemoryDriver) Reader(ctx context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.bodies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (m *MemoryDriver) Writer(ctx context.Context, id string, ttl time.Duration, onSuccess func(int64), onFailure func(error)) (Writer, error) {
	return &memoryWriter{
		driver:    m,
		id:        id,
		expires:   time.Now().Add(ttl),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}, nil
}

func (m *MemoryDriver) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bodies, id)
	delete(m.expires, id)
	return nil
}

func (m *MemoryDriver) MaxSize() int64 {
	return m.maxSize
}

type memoryWriter struct {
	driver    *MemoryDriver
	id        string
	expires   time.Time
	buf       bytes.Buffer
	failed    bool
	finished  bool
	onSuccess func(int64)
	onFailure func(error)
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.failed || w.finished {
		return 0, fmt.Errorf("storage: write on finished entity %s", w.id)
	}
	if int64(w.buf.Len()+len(p)) > w.driver.maxSize {
		err := fmt.Errorf("storage: entity %s exceeds max size %d", w.id, w.driver.maxSize)
		w.failed = true
		w.buf.Reset()
		w.onFailure(err)
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.failed || w.finished {
		return nil
	}
	w.finished = true
	w.driver.mu.Lock()
	w.driver.bodies[w.id] = append([]byte(nil), w.buf.Bytes()...)
	w.driver.expires[w.id] = w.expires
	w.driver.mu.Unlock()
	w.onSuccess(int64(w.buf.Len()))
	return nil
}

func (w *memoryWriter) Abort(reason error) {
	if w.failed || w.finished {
		return
	}
	w.failed = true
	w.buf.Reset()
	w.onFailure(reason)
}
