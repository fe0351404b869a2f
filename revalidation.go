package ledge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/store"
)

// revalParamsDefaultTTL applies when the stored parameters' remaining
// expiry cannot be determined during a refresh.
const revalParamsDefaultTTL = time.Hour

// RevalParams is everything a headless re-fetch needs to reach the origin.
type RevalParams struct {
	Scheme         string        `json:"scheme"`
	ServerAddr     string        `json:"server_addr"`
	ServerPort     string        `json:"server_port"`
	URI            string        `json:"uri"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	SSLServerName  string        `json:"ssl_server_name"`
	SSLVerify      bool          `json:"ssl_verify"`
}

func (p RevalParams) fields() map[string]string {
	return map[string]string{
		"scheme":          p.Scheme,
		"server_addr":     p.ServerAddr,
		"server_port":     p.ServerPort,
		"uri":             p.URI,
		"connect_timeout": strconv.FormatInt(int64(p.ConnectTimeout/time.Millisecond), 10),
		"read_timeout":    strconv.FormatInt(int64(p.ReadTimeout/time.Millisecond), 10),
		"ssl_server_name": p.SSLServerName,
		"ssl_verify":      strconv.FormatBool(p.SSLVerify),
	}
}

func revalParamsFromFields(f map[string]string) RevalParams {
	connectMs, _ := strconv.ParseInt(f["connect_timeout"], 10, 64)
	readMs, _ := strconv.ParseInt(f["read_timeout"], 10, 64)
	verify, _ := strconv.ParseBool(f["ssl_verify"])
	return RevalParams{
		Scheme:         f["scheme"],
		ServerAddr:     f["server_addr"],
		ServerPort:     f["server_port"],
		URI:            f["uri"],
		ConnectTimeout: time.Duration(connectMs) * time.Millisecond,
		ReadTimeout:    time.Duration(readMs) * time.Millisecond,
		SSLServerName:  f["ssl_server_name"],
		SSLVerify:      verify,
	}
}

// RevalHeaders is the minimal header set carried into a headless re-fetch:
// the Host, plus credentials only when the current request sent them.
type RevalHeaders struct {
	Host          string `json:"host"`
	Authorization string `json:"authorization,omitempty"`
	Cookie        string `json:"cookie,omitempty"`
}

func (h RevalHeaders) fields() map[string]string {
	fields := map[string]string{"host": h.Host}
	if h.Authorization != "" {
		fields["authorization"] = h.Authorization
	}
	if h.Cookie != "" {
		fields["cookie"] = h.Cookie
	}
	return fields
}

func revalHeadersFromFields(f map[string]string) RevalHeaders {
	return RevalHeaders{
		Host:          f["host"],
		Authorization: f["authorization"],
		Cookie:        f["cookie"],
	}
}

// Scheduler snapshots request parameters for headless re-fetches and
// enqueues deduplicated background jobs for revalidation and for
// stale-entity collection.
type Scheduler struct {
	store           store.MetadataStore
	queue           JobQueue
	events          *EventBus
	log             zerolog.Logger
	upstreamScheme  string
	upstreamAddr    string
	upstreamPort    string
	connectTimeout  time.Duration
	readTimeout     time.Duration
	sslServerName   string
	sslVerify       bool
	minDownloadRate int
}

// SnapshotParams captures everything a headless re-fetch of the current
// request needs, then lets extensions augment the snapshot.
func (s *Scheduler) SnapshotParams(ctx *RequestContext) (RevalParams, RevalHeaders) {
	r := ctx.Request
	params := RevalParams{
		Scheme:         s.upstreamScheme,
		ServerAddr:     s.upstreamAddr,
		ServerPort:     s.upstreamPort,
		URI:            r.URL.RequestURI(),
		ConnectTimeout: s.connectTimeout,
		ReadTimeout:    s.readTimeout,
		SSLServerName:  s.sslServerName,
		SSLVerify:      s.sslVerify,
	}
	headers := RevalHeaders{
		Host:          r.Host,
		Authorization: r.Header.Get("Authorization"),
		Cookie:        r.Header.Get("Cookie"),
	}
	snapshot := &RevalSnapshot{Params: params, Headers: headers}
	s.events.Emit(EventBeforeSaveRevalidationData, snapshot)
	return snapshot.Params, snapshot.Headers
}

// RevalSnapshot is the payload handed to before_save_revalidation_data.
type RevalSnapshot struct {
	Params  RevalParams
	Headers RevalHeaders
}

// ScheduleRevalidation enqueues a background revalidation of the resource
// at chain. With updateParams, the stored parameters are atomically
// replaced first, preserving their remaining expiry. The resource's
// canonical URI must be resolvable from metadata: an unknown URI cannot
// be revalidated.
func (s *Scheduler) ScheduleRevalidation(ctx *RequestContext, chain *KeyChain, updateParams bool) error {
	c := ctx.Request.Context()

	if updateParams {
		if err := s.refreshParams(ctx, chain); err != nil {
			return err
		}
	}

	uri, err := s.store.HGet(c, chain.Main, "uri")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cannot revalidate %s: no uri in metadata", chain.Root)
		}
		return err
	}

	return s.queue.Enqueue(c, QueueRevalidate, JobRevalidate,
		RevalidatePayload{Key: chain.Root, URI: uri},
		JobOptions{
			DedupeID: dedupeID(uri),
			Tags:     []string{"revalidate"},
			Priority: PriorityRevalidate,
		})
}

func (s *Scheduler) refreshParams(ctx *RequestContext, chain *KeyChain) error {
	c := ctx.Request.Context()
	tx, err := s.store.Begin(c, chain.Main)
	if err != nil {
		return err
	}
	ttl, err := tx.TTL(c, chain.RevalParams)
	if err != nil || ttl <= 0 {
		ttl = revalParamsDefaultTTL
	}
	params, headers := s.SnapshotParams(ctx)
	tx.Del(chain.RevalParams, chain.RevalReqHeaders)
	tx.HSet(chain.RevalParams, params.fields())
	tx.Expire(chain.RevalParams, ttl)
	tx.HSet(chain.RevalReqHeaders, headers.fields())
	tx.Expire(chain.RevalReqHeaders, ttl)
	return tx.Exec(c)
}

// ScheduleFetch enqueues a headless fetch for a resource with no prior
// cache state. The payload carries the freshly captured parameters so the
// job is self-sufficient.
func (s *Scheduler) ScheduleFetch(ctx *RequestContext, chain *KeyChain) error {
	c := ctx.Request.Context()
	params, headers := s.SnapshotParams(ctx)
	uri := ctx.Request.URL.RequestURI()
	return s.queue.Enqueue(c, QueueRevalidate, JobFetch,
		FetchPayload{Key: chain.Root, URI: uri, Params: params, Headers: headers},
		JobOptions{
			DedupeID: "fetch:" + uri,
			Tags:     []string{"fetch"},
			Priority: PriorityRevalidate,
		})
}

// ScheduleCollect enqueues deferred physical deletion of an entity. The
// delay scales with entity size so in-flight readers can finish.
func (s *Scheduler) ScheduleCollect(ctx context.Context, chain *KeyChain, entity string, size int64) {
	err := s.queue.Enqueue(ctx, QueueCollect, JobCollectEntity,
		CollectPayload{Entity: entity, EntitiesKey: chain.Entities, Size: size},
		JobOptions{
			DedupeID: "collect:" + entity,
			Delay:    CollectDelay(size, s.minDownloadRate),
			Tags:     []string{"collect_entity"},
			Priority: PriorityCollect,
		})
	if err != nil {
		// collection is best effort: storage expiry reaps stragglers
		s.log.Error().Err(err).Str("entity", entity).Msg("Could not schedule entity collection")
	}
}

func dedupeID(uri string) string {
	sum := sha1.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}
