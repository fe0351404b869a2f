// Package storage holds the entity blob drivers. An entity is the stored
// body of a cached response, addressed by the identifier recorded in the
// resource's metadata. Drivers may evict entities on their own; the engine
// detects and recovers from metadata that points at a missing entity.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an entity does not exist (or has expired).
var ErrNotFound = errors.New("storage: entity not found")

// Writer is a sink for one entity body. Exactly one of Close or Abort must
// be called. Close finalizes the entity and reports the byte count to the
// success callback; Abort drops any partial state and reports the reason
// to the failure callback.
type Writer interface {
	io.Writer
	Close() error
	Abort(reason error)
}

// Driver is the capability set the engine needs from durable entity storage.
type Driver interface {
	// Exists reports whether the entity is currently retrievable.
	Exists(ctx context.Context, id string) (bool, error)
	// Reader returns a reader over the entity body. The body is read
	// lazily; callers must close the reader.
	Reader(ctx context.Context, id string) (io.ReadCloser, error)
	// Writer opens a sink for a new entity with the given retention.
	// Exactly one of onSuccess(bytesWritten) or onFailure(reason) fires
	// once the write outcome is known.
	Writer(ctx context.Context, id string, ttl time.Duration, onSuccess func(int64), onFailure func(error)) (Writer, error)
	// Delete removes an entity. Deleting a missing entity is not an error.
	Delete(ctx context.Context, id string) error
	// MaxSize is the largest entity body the driver will accept, in bytes.
	MaxSize() int64
}
