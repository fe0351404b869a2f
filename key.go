package ledge

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// wildcardPurge reports whether the request addresses a whole identity
// subtree: a PURGE with a trailing * in the path and no query string.
func wildcardPurge(r *http.Request) bool {
	return r.Method == "PURGE" && r.URL.RawQuery == "" && strings.HasSuffix(r.URL.Path, "*")
}

const (
	keyPrefix    = "ledge:cache"
	keySeparator = ":"
	// chain suffixes hang off the root identity with a double separator
	chainSeparator = "::"
	mainSuffix     = chainSeparator + "main"
)

// A KeyComponent contributes one segment to the cache identity. Either
// Field names one of the recognized request fields (scheme, host, port,
// uri, args), or Func computes the segment from the request context.
type KeyComponent struct {
	Field string
	Func  func(*RequestContext) (string, error)
}

// KeySpec is the ordered list of components making up a cache identity.
type KeySpec []KeyComponent

// DefaultKeySpec is used when no spec is configured.
func DefaultKeySpec() KeySpec {
	return KeySpec{
		{Field: "scheme"},
		{Field: "host"},
		{Field: "port"},
		{Field: "uri"},
		{Field: "args"},
	}
}

// CacheKey derives the cache identity for the request under the given spec.
// The result is memoized on the context: identical requests under an
// unchanged spec always yield the same identity.
func CacheKey(ctx *RequestContext, spec KeySpec, log zerolog.Logger) string {
	if ctx.key != "" {
		return ctx.key
	}
	if len(spec) == 0 {
		spec = DefaultKeySpec()
	}
	segments := make([]string, 0, len(spec)+2)
	segments = append(segments, keyPrefix)
	for _, c := range spec {
		if c.Func != nil {
			if s, ok := runKeyFunc(ctx, c.Func, log); ok {
				segments = append(segments, s)
			}
			continue
		}
		segments = append(segments, fieldComponent(ctx, c.Field))
	}
	ctx.key = strings.Join(segments, keySeparator)
	return ctx.key
}

// runKeyFunc soft-fails: a component function erroring or panicking is
// logged and contributes nothing, it never aborts key derivation.
func runKeyFunc(ctx *RequestContext, fn func(*RequestContext) (string, error), log zerolog.Logger) (s string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("error", fmt.Sprint(r)).Msg("Panic in cache key component function")
			ok = false
		}
	}()
	s, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Error in cache key component function")
		return "", false
	}
	return s, true
}

func fieldComponent(ctx *RequestContext, field string) string {
	r := ctx.Request
	switch field {
	case "scheme":
		if r.TLS != nil {
			return "https"
		}
		if r.URL.Scheme != "" {
			return r.URL.Scheme
		}
		return "http"
	case "host":
		return hostOnly(r.Host)
	case "port":
		if p := portOnly(r.Host); p != "" {
			return p
		}
		if r.TLS != nil {
			return "443"
		}
		return "80"
	case "uri":
		return r.URL.Path
	case "args":
		// a wildcard purge with no query matches every args variant
		if wildcardPurge(r) {
			return "*"
		}
		return r.URL.RawQuery
	}
	return ""
}

func hostOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func portOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[i+1:]
	}
	return ""
}

// KeyChain maps a cache identity to the physical storage keys representing
// one cached resource. Root and FetchingLock exist for addressing only and
// never appear in enumeration.
type KeyChain struct {
	Root            string
	Main            string
	Entities        string
	Headers         string
	RevalParams     string
	RevalReqHeaders string
	FetchingLock    string
}

// NewKeyChain expands a cache identity into its key chain. Every physical
// key is derivable from the identity alone.
func NewKeyChain(identity string) *KeyChain {
	return &KeyChain{
		Root:            identity,
		Main:            identity + mainSuffix,
		Entities:        identity + chainSeparator + "entities",
		Headers:         identity + chainSeparator + "headers",
		RevalParams:     identity + chainSeparator + "reval_params",
		RevalReqHeaders: identity + chainSeparator + "reval_req_headers",
		FetchingLock:    identity + chainSeparator + "fetching",
	}
}

// Enumerate lists the stored keys of the chain. Deleting all of them
// removes the resource's metadata footprint entirely.
func (kc *KeyChain) Enumerate() []string {
	return []string{kc.Main, kc.Entities, kc.Headers, kc.RevalParams, kc.RevalReqHeaders}
}

// chain resolves (and memoizes) the request's key chain.
func chainFor(ctx *RequestContext, spec KeySpec, log zerolog.Logger) *KeyChain {
	if ctx.chain == nil {
		ctx.chain = NewKeyChain(CacheKey(ctx, spec, log))
	}
	return ctx.chain
}
