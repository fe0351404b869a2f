// Package ledge is the data-path core of an HTTP caching reverse proxy:
// it derives cache identities, reads and writes cached representations
// against a metadata store and entity storage, schedules background
// revalidation and garbage collection, and streams responses back to
// clients with cache diagnostics.
//
// The engine is driven operation by operation; the bundled ServeHTTP is a
// minimal driver wiring read, fetch, save and serve together. Richer
// freshness and conditional-request policy belongs to an external
// decision layer invoking the same operations.
package ledge

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

// Version is set by the build; cmd binaries stamp it into Via headers.
var Version = "DEV"

const (
	defaultConnectTimeout      = 5 * time.Second
	defaultReadTimeout         = 30 * time.Second
	defaultCacheTTL            = time.Minute
	defaultRetention           = 30 * time.Second
	defaultChunkSize           = 64 * 1024
	defaultMinDownloadRateKbps = 56
	defaultRevalidateWindow    = 10 * time.Second
)

type Config struct {
	// Metadata store, the single source of truth for coordination.
	Store store.MetadataStore
	// Entity blob storage.
	Storage storage.Driver
	// Background job facility for revalidation and collection.
	Queue JobQueue

	// URL of the origin server. Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for the origin Host header and TLS negotiation,
	// e.g. when the origin URL is just an IP address.
	OriginHost string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Verify upstream TLS certificates.
	TLSVerify bool

	// Ordered components of the cache identity. Empty means the default
	// scheme/host/port/uri/args spec.
	KeySpec KeySpec

	// TTL for responses that carry no usable caching headers.
	DefaultTTL time.Duration
	// Extra retention beyond the TTL, so stale representations remain
	// available for revalidation and stale-serving policies.
	Retention time.Duration
	// How long before a stored response enters its retention tail the
	// bundled driver starts scheduling background revalidation on hits.
	RevalidateWindow time.Duration
	// Slowest client download rate (kbps) the cache waits out before
	// collecting a superseded entity.
	MinDownloadRateKbps int
	// Body streaming chunk size in bytes.
	ChunkSize int

	// Hostname used in Via and X-Cache headers. Defaults to os.Hostname.
	VisibleHostname string
	// Append the software identity to the Via header.
	AdvertiseLedge bool
	// Advertise edge-side include processing capability upstream.
	ESIEnabled bool

	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Ledge owns one origin's cache engine: the component set plus the
// request-independent configuration they share.
type Ledge struct {
	Reader    *CacheReader
	Fetcher   *OriginFetcher
	Writer    *CacheWriter
	Deleter   *CacheDeleter
	Scheduler *Scheduler
	Server    *ResponseServer
	Events    *EventBus

	store       store.MetadataStore
	storage     storage.Driver
	keySpec     KeySpec
	defaultTTL  time.Duration
	retention   time.Duration
	revalWindow time.Duration
	log         zerolog.Logger
}

// New wires up a cache engine for one origin.
func New(cfg Config) *Ledge {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultCacheTTL
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MinDownloadRateKbps == 0 {
		cfg.MinDownloadRateKbps = defaultMinDownloadRateKbps
	}
	if cfg.RevalidateWindow == 0 {
		cfg.RevalidateWindow = defaultRevalidateWindow
	}
	if cfg.VisibleHostname == "" {
		cfg.VisibleHostname, _ = os.Hostname()
	}

	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("origin", cfg.OriginURL.String()).Logger()

	events := NewEventBus(logger)

	sslServerName := cfg.OriginHost
	if sslServerName == "" {
		sslServerName = hostOnly(cfg.OriginURL.Host)
	}
	port := portOnly(cfg.OriginURL.Host)
	if port == "" {
		if cfg.OriginURL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	scheduler := &Scheduler{
		store:           cfg.Store,
		queue:           cfg.Queue,
		events:          events,
		log:             logger,
		upstreamScheme:  cfg.OriginURL.Scheme,
		upstreamAddr:    hostOnly(cfg.OriginURL.Host),
		upstreamPort:    port,
		connectTimeout:  cfg.ConnectTimeout,
		readTimeout:     cfg.ReadTimeout,
		sslServerName:   sslServerName,
		sslVerify:       cfg.TLSVerify,
		minDownloadRate: cfg.MinDownloadRateKbps,
	}

	l := &Ledge{
		Reader: &CacheReader{
			store:     cfg.Store,
			storage:   cfg.Storage,
			scheduler: scheduler,
			events:    events,
			log:       logger,
			chunkSize: cfg.ChunkSize,
		},
		Fetcher: newOriginFetcher(cfg, events, logger),
		Writer: &CacheWriter{
			store:     cfg.Store,
			storage:   cfg.Storage,
			scheduler: scheduler,
			events:    events,
			log:       logger,
			retention: cfg.Retention,
		},
		Deleter: &CacheDeleter{
			store:     cfg.Store,
			scheduler: scheduler,
			log:       logger,
		},
		Scheduler: scheduler,
		Server: &ResponseServer{
			events:    events,
			log:       logger,
			hostname:  cfg.VisibleHostname,
			software:  "ledge/" + Version,
			advertise: cfg.AdvertiseLedge,
			chunkSize: cfg.ChunkSize,
		},
		Events:      events,
		store:       cfg.Store,
		storage:     cfg.Storage,
		keySpec:     cfg.KeySpec,
		defaultTTL:  cfg.DefaultTTL,
		retention:   cfg.Retention,
		revalWindow: cfg.RevalidateWindow,
		log:         logger,
	}
	return l
}

// Bind attaches a callback to one of the engine's extension points.
func (l *Ledge) Bind(name string, cb EventCallback) error {
	return l.Events.Bind(name, cb)
}

// Chain resolves the key chain for a request context, memoized per request.
func (l *Ledge) Chain(ctx *RequestContext) *KeyChain {
	return chainFor(ctx, l.keySpec, l.log)
}

// ServeHTTP is the bundled minimal driver: read, fetch on miss, save, and
// serve, scheduling revalidation when a stored response nears expiry.
func (l *Ledge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := NewRequestContext(w, r)
	chain := l.Chain(ctx)

	if r.Method == "PURGE" {
		l.purge(ctx, chain)
		return
	}

	cached, err := l.Reader.Read(r.Context(), chain)
	if err != nil {
		// fail open: a broken store degrades to proxying
		l.log.Error().Err(err).Str("key", chain.Root).Msg("Cache read failed, fetching from origin")
	}
	if cached != nil {
		cached.Chain = chain
		l.scheduleRefresh(ctx, chain)
		l.Server.Serve(ctx, cached)
		l.logRequest(ctx, cached, "hit")
		return
	}

	ctx.SetState(StateFetched)
	res := l.Fetcher.Fetch(ctx)
	res.Chain = chain

	if l.shouldSave(r, res) {
		ttl := responseTTL(res.Header, l.defaultTTL)
		if err := l.Writer.Save(ctx, chain, res, ttl); err != nil {
			l.log.Error().Err(err).Str("key", chain.Root).Msg("Could not save response")
		}
	} else {
		ctx.SetEvent(EventResponseNotCacheable)
	}

	l.Server.Serve(ctx, res)
	l.logRequest(ctx, res, "miss")
}

// shouldSave is the driver's storage gate. The full RFC 9111 decision tree
// lives outside the engine; the driver only refuses the obvious cases.
func (l *Ledge) shouldSave(r *http.Request, res *Response) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if res.Status != http.StatusOK {
		return false
	}
	return !uncacheable(res.Header)
}

// scheduleRefresh enqueues background revalidation for a hit whose stored
// lifetime is running out: once the remaining expiry of the metadata key is
// inside the retention tail plus the configured window, the resource is
// refreshed while it can still be served. Deduplication in the job facility
// keeps a hot resource down to one pending refresh.
func (l *Ledge) scheduleRefresh(ctx *RequestContext, chain *KeyChain) {
	ttl, err := l.store.TTL(ctx.Request.Context(), chain.Main)
	if err != nil || ttl <= 0 {
		return
	}
	if ttl > l.retention+l.revalWindow {
		return
	}
	if err := l.Scheduler.ScheduleRevalidation(ctx, chain, false); err != nil {
		l.log.Error().Err(err).Str("key", chain.Root).Msg("Could not schedule revalidation")
	}
}

// purge removes one resource, or a whole identity subtree when the PURGE
// path carries a trailing wildcard with no query string.
func (l *Ledge) purge(ctx *RequestContext, chain *KeyChain) {
	if wildcardPurge(ctx.Request) {
		n, err := l.Deleter.DeleteMatching(ctx.Request.Context(), chain.Root)
		if err != nil {
			l.log.Error().Err(err).Str("pattern", chain.Root).Msg("Wildcard purge failed")
			http.Error(ctx.Writer, "purge failed", http.StatusInternalServerError)
			return
		}
		ctx.Writer.WriteHeader(http.StatusOK)
		fmt.Fprintf(ctx.Writer, "purged %d resources\n", n)
		return
	}
	if err := l.Deleter.Delete(ctx.Request.Context(), chain); err != nil {
		l.log.Error().Err(err).Str("key", chain.Root).Msg("Purge failed")
		http.Error(ctx.Writer, "purge failed", http.StatusInternalServerError)
		return
	}
	ctx.Writer.WriteHeader(http.StatusOK)
	ctx.Writer.Write([]byte("purged\n"))
}

func (l *Ledge) logRequest(ctx *RequestContext, res *Response, outcome string) {
	l.log.Debug().
		Str("method", ctx.Request.Method).
		Str("url", ctx.Request.URL.String()).
		Int("status", res.Status).
		Str("outcome", outcome).
		Bool("aborted", ctx.Aborted).
		Dur("elapsed", time.Since(ctx.started)).
		Msg("Sending response to client")
}
