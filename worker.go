package ledge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/csmithATsquiz/ledge/store"
)

// Job bodies executed by the background worker. They are idempotent:
// the job facility only promises at-least-once delivery.

// Revalidate re-fetches a cached resource headlessly using the
// parameters stored alongside it and replaces the cached representation.
func (l *Ledge) Revalidate(ctx context.Context, p RevalidatePayload) error {
	chain := NewKeyChain(p.Key)

	paramFields, err := l.store.HGetAll(ctx, chain.RevalParams)
	if errors.Is(err, store.ErrNotFound) {
		// resource purged or expired since scheduling, nothing to refresh
		l.log.Debug().Str("key", p.Key).Msg("No revalidation params stored, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	headerFields, err := l.store.HGetAll(ctx, chain.RevalReqHeaders)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return l.headlessFetch(ctx, chain, revalParamsFromFields(paramFields), revalHeadersFromFields(headerFields))
}

// HeadlessFetch populates the cache for a resource with no prior state.
// The payload is self-sufficient, so no stored metadata is consulted.
func (l *Ledge) HeadlessFetch(ctx context.Context, p FetchPayload) error {
	return l.headlessFetch(ctx, NewKeyChain(p.Key), p.Params, p.Headers)
}

func (l *Ledge) headlessFetch(ctx context.Context, chain *KeyChain, params RevalParams, headers RevalHeaders) error {
	rctx, err := headlessRequest(ctx, params, headers)
	if err != nil {
		return err
	}

	fetcher := &OriginFetcher{
		upstream:     url.URL{Scheme: params.Scheme, Host: net.JoinHostPort(params.ServerAddr, params.ServerPort)},
		upstreamHost: headers.Host,
		events:       l.Events,
		log:          l.log,
		chunkSize:    l.Fetcher.chunkSize,
		client: originClient(originParams{
			connectTimeout: params.ConnectTimeout,
			readTimeout:    params.ReadTimeout,
			serverName:     params.SSLServerName,
			verify:         params.SSLVerify,
		}),
	}

	res := fetcher.Fetch(rctx)
	defer res.Close()
	res.Chain = chain

	if res.Status >= 500 {
		return fmt.Errorf("revalidating %s: upstream returned %d", chain.Root, res.Status)
	}
	if res.Status != http.StatusOK || uncacheable(res.Header) {
		l.log.Debug().Str("key", chain.Root).Int("status", res.Status).Msg("Revalidated response not cacheable, leaving cache as is")
		drain(res.Body)
		return nil
	}

	ttl := responseTTL(res.Header, l.defaultTTL)
	if err := l.Writer.Save(rctx, chain, res, ttl); err != nil {
		return err
	}
	// the write-through filter runs as the body is pulled; the commit
	// fires at end-of-sequence
	drain(res.Body)
	return nil
}

// CollectEntity physically removes a superseded or orphaned entity and
// drops it from the resource's live-entity set.
func (l *Ledge) CollectEntity(ctx context.Context, p CollectPayload) error {
	l.log.Debug().Str("entity", p.Entity).Msg("Collecting entity")
	if err := l.storage.Delete(ctx, p.Entity); err != nil {
		return err
	}
	return l.store.ZRem(ctx, p.EntitiesKey, p.Entity)
}

// headlessRequest reconstructs a request context from snapshotted
// parameters, equivalent to the client request that seeded them.
func headlessRequest(ctx context.Context, params RevalParams, headers RevalHeaders) (*RequestContext, error) {
	target := params.Scheme + "://" + net.JoinHostPort(params.ServerAddr, params.ServerPort) + params.URI
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if headers.Host != "" {
		req.Host = headers.Host
	}
	if headers.Authorization != "" {
		req.Header.Set("Authorization", headers.Authorization)
	}
	if headers.Cookie != "" {
		req.Header.Set("Cookie", headers.Cookie)
	}
	return NewRequestContext(nil, req), nil
}

func drain(body BodyReader) {
	if body == nil {
		return
	}
	for {
		if _, err := body(); err != nil {
			return
		}
	}
}
