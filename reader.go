package ledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

// CacheReader loads cached representations for a key chain and verifies the
// backing entity still exists in blob storage before reporting a hit.
type CacheReader struct {
	store     store.MetadataStore
	storage   storage.Driver
	scheduler *Scheduler
	events    *EventBus
	log       zerolog.Logger
	chunkSize int
}

// Read returns the cached response for chain, nil on a clean miss, or an
// error on a genuine store failure so the caller can pick fail-open or
// fail-closed behavior.
func (r *CacheReader) Read(ctx context.Context, chain *KeyChain) (*Response, error) {
	main, err := r.store.HGetAll(ctx, chain.Main)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.log.Error().Err(err).Str("key", chain.Main).Msg("Error reading metadata")
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	status, err := strconv.Atoi(main["status"])
	if err != nil {
		// unreadable metadata is treated as a miss, not corruption
		r.log.Error().Str("key", chain.Main).Msg("Cached metadata has no status")
		return nil, nil
	}
	size, _ := strconv.ParseInt(main["size"], 10, 64)
	entity := main["entity"]

	// metadata may outlive the entity it references: storage evicts on its
	// own. Degrade to a miss and queue deferred collection of the leftovers.
	if size > 0 && entity != "" {
		exists, err := r.storage.Exists(ctx, entity)
		if err != nil {
			r.log.Error().Err(err).Str("entity", entity).Msg("Error checking entity existence")
			return nil, fmt.Errorf("checking entity: %w", err)
		}
		if !exists {
			r.log.Debug().Str("key", chain.Root).Str("entity", entity).Msg("Entity missing from storage, degrading to miss")
			r.scheduler.ScheduleCollect(ctx, chain, entity, size)
			return nil, nil
		}
	}

	header, err := r.readHeaders(ctx, chain)
	if err != nil {
		return nil, err
	}

	res := NewResponse(status, header)
	res.Chain = chain
	res.Size = size
	res.Entity = entity
	if size > 0 && entity != "" {
		id := entity
		res.Body = lazyBody(func() (io.ReadCloser, error) {
			return r.storage.Reader(ctx, id)
		}, r.chunkSize)
	}

	r.events.Emit(EventAfterCacheRead, res)
	return res, nil
}

func (r *CacheReader) readHeaders(ctx context.Context, chain *KeyChain) (http.Header, error) {
	fields, err := r.store.HGetAll(ctx, chain.Headers)
	if errors.Is(err, store.ErrNotFound) {
		return make(http.Header), nil
	}
	if err != nil {
		r.log.Error().Err(err).Str("key", chain.Headers).Msg("Error reading stored headers")
		return nil, fmt.Errorf("reading headers: %w", err)
	}
	return fieldsToHeader(fields), nil
}

// Stored headers are flattened into a hash: field name maps to the header
// values joined with newlines, which cannot appear inside a valid value.
func headerToFields(h http.Header) map[string]string {
	fields := make(map[string]string, len(h))
	for name, values := range h {
		fields[name] = strings.Join(values, "\n")
	}
	return fields
}

func fieldsToHeader(fields map[string]string) http.Header {
	h := make(http.Header, len(fields))
	for name, joined := range fields {
		for _, v := range strings.Split(joined, "\n") {
			h.Add(name, v)
		}
	}
	return h
}
