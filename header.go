package ledge

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl is a parsed Cache-Control header.
type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = strings.Trim(parts[1], `"`)
		}
		m[strings.ToLower(parts[0])] = val
	}
	return CacheControl{m}
}

// responseTTL derives a storage TTL from the response's caching headers,
// falling back to the configured default. This is deliberately shallow:
// full freshness semantics belong to the decision layer, the engine only
// needs a retention hint.
func responseTTL(h http.Header, fallback time.Duration) time.Duration {
	cc := ParseCacheControl(h.Get("Cache-Control"))
	if v, ok := cc.Get("s-maxage"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v, ok := cc.Get("max-age"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// uncacheable reports whether the response forbids storing.
func uncacheable(h http.Header) bool {
	cc := ParseCacheControl(h.Get("Cache-Control"))
	return cc.Has("no-store") || cc.Has("private")
}
