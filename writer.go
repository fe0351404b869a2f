package ledge

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

// CacheWriter persists fetched responses. Metadata goes into the store
// under an optimistic transaction; the body streams into entity storage
// through a write-through filter, and the transaction commits only once
// the write outcome is known.
type CacheWriter struct {
	store     store.MetadataStore
	storage   storage.Driver
	scheduler *Scheduler
	events    *EventBus
	log       zerolog.Logger
	retention time.Duration
}

// Save persists res for chain with the given ttl. A response too large for
// the storage driver is not an error: it is logged, skipped, and remains
// servable. When res carries a body, the commit is deferred until the body
// has been fully pulled through the attached write filter.
func (w *CacheWriter) Save(ctx *RequestContext, chain *KeyChain, res *Response, ttl time.Duration) error {
	w.events.Emit(EventBeforeSave, res)

	if res.Size != SizeUnknown && res.Size > w.storage.MaxSize() {
		w.log.Warn().
			Int64("size", res.Size).
			Int64("max", w.storage.MaxSize()).
			Str("key", chain.Root).
			Msg("Response exceeds max entity size, not caching")
		return nil
	}

	c := ctx.Request.Context()
	tx, err := w.store.Begin(c, chain.Main)
	if err != nil {
		return err
	}

	// the entity being replaced stays readable for in-flight clients; its
	// deferred collection is scheduled only if this transaction commits,
	// so a losing writer never condemns the entity that stays current
	var oldEntity string
	var oldSize int64
	if cur, err := tx.HGetAll(c, chain.Main); err == nil {
		if oldEntity = cur["entity"]; oldEntity != "" {
			oldSize, _ = strconv.ParseInt(cur["size"], 10, 64)
			tx.ZRem(chain.Entities, oldEntity)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		tx.Discard()
		return err
	}

	entity := uuid.NewString()
	keep := ttl + w.retention

	main := map[string]string{
		"uri":    ctx.Request.URL.RequestURI(),
		"status": strconv.Itoa(res.Status),
		"entity": entity,
	}
	if res.Size != SizeUnknown {
		main["size"] = strconv.FormatInt(res.Size, 10)
	}
	tx.HSet(chain.Main, main)
	tx.Expire(chain.Main, keep)
	tx.HSet(chain.Headers, headerToFields(res.Header))
	tx.Expire(chain.Headers, keep)
	tx.ZAdd(chain.Entities, float64(maxInt64(res.Size, 0)), entity)
	tx.Expire(chain.Entities, keep)

	params, headers := w.scheduler.SnapshotParams(ctx)
	tx.HSet(chain.RevalParams, params.fields())
	tx.Expire(chain.RevalParams, keep)
	tx.HSet(chain.RevalReqHeaders, headers.fields())
	tx.Expire(chain.RevalReqHeaders, keep)

	if res.Body == nil {
		res.Entity = entity
		if err := tx.Exec(c); err != nil {
			return err
		}
		if oldEntity != "" {
			w.scheduler.ScheduleCollect(c, chain, oldEntity, oldSize)
		}
		return nil
	}

	sink, err := w.storage.Writer(c, entity, keep,
		func(written int64) {
			if written == 0 {
				// a zero-byte body makes the entity moot: drop the
				// reference inside the same commit
				tx.HDel(chain.Main, "entity")
				tx.HSet(chain.Main, map[string]string{"size": "0"})
				tx.ZRem(chain.Entities, entity)
				w.storage.Delete(c, entity)
			} else {
				tx.HSet(chain.Main, map[string]string{"size": strconv.FormatInt(written, 10)})
			}
			if err := tx.Exec(c); err != nil {
				if errors.Is(err, store.ErrConflict) {
					w.log.Debug().Str("key", chain.Root).Msg("Concurrent write won, discarding save")
				} else {
					w.log.Error().Err(err).Str("key", chain.Root).Msg("Could not commit cache transaction")
				}
				w.storage.Delete(c, entity)
				return
			}
			if oldEntity != "" {
				w.scheduler.ScheduleCollect(c, chain, oldEntity, oldSize)
			}
		},
		func(reason error) {
			w.log.Error().Err(reason).Str("key", chain.Root).Msg("Entity write failed, discarding save")
			tx.Discard()
		},
	)
	if err != nil {
		tx.Discard()
		return err
	}

	res.Entity = entity
	res.Body = writeThroughBody(res.Body, sink, w.log)
	// aborting the sink finishes the transaction through the failure
	// callback; once the body completes normally this becomes a no-op
	res.abort = sink.Abort
	return nil
}

// writeThroughBody wraps a body reader so every pulled chunk is also
// written to the storage sink. The consumer drives the stream; the sink is
// finalized at end-of-sequence and aborted if the source fails. A sink
// failure mid-stream never interrupts delivery to the consumer.
func writeThroughBody(src BodyReader, sink storage.Writer, log zerolog.Logger) BodyReader {
	failed := false
	return func() ([]byte, error) {
		chunk, err := src()
		if err == io.EOF {
			if cerr := sink.Close(); cerr != nil {
				log.Error().Err(cerr).Msg("Could not finalize entity")
			}
			return nil, io.EOF
		}
		if err != nil {
			sink.Abort(err)
			return nil, err
		}
		if !failed {
			if _, werr := sink.Write(chunk); werr != nil {
				failed = true
			}
		}
		return chunk, nil
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
