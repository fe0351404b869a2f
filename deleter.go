package ledge

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/store"
)

// CacheDeleter removes a key chain's metadata and schedules deferred
// collection of its backing entity. It needs no per-request state, so it
// also serves administrative purges arriving out of band.
type CacheDeleter struct {
	store     store.MetadataStore
	scheduler *Scheduler
	log       zerolog.Logger
}

// Delete removes every stored key of the chain in one operation. The
// backing entity, if any, is collected later so in-flight readers can
// finish with it.
func (d *CacheDeleter) Delete(ctx context.Context, chain *KeyChain) error {
	main, err := d.store.HGetAll(ctx, chain.Main)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if entity := main["entity"]; entity != "" {
		size, _ := strconv.ParseInt(main["size"], 10, 64)
		d.scheduler.ScheduleCollect(ctx, chain, entity, size)
	}
	d.log.Debug().Str("key", chain.Root).Msg("Deleting cached resource")
	return d.store.Del(ctx, chain.Enumerate()...)
}

// DeleteMatching removes every resource whose keys match pattern and
// returns how many resources were purged. Wildcard identities are valid
// scan patterns as-is: their * segments match any uri and args variant,
// and the trailing args * also covers the chain suffixes.
func (d *CacheDeleter) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := d.store.Scan(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	resources := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, mainSuffix) {
			continue
		}
		resources++
		main, err := d.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		if entity := main["entity"]; entity != "" {
			size, _ := strconv.ParseInt(main["size"], 10, 64)
			chain := NewKeyChain(strings.TrimSuffix(key, mainSuffix))
			d.scheduler.ScheduleCollect(ctx, chain, entity, size)
		}
	}
	d.log.Debug().Str("pattern", pattern).Int("resources", resources).Msg("Deleting matching resources")
	return resources, d.store.Del(ctx, keys...)
}
