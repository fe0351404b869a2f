package ledge

import (
	"net/http"
	"time"
)

// State and event history flags recorded by the decision layer driving the
// engine. ResponseServer reads them when composing diagnostic headers.
const (
	StateCanServeDisconnected = "can_serve_disconnected"
	StateCanServeStale        = "can_serve_stale"
	StateFetched              = "upstream_fetched"

	EventResponseNotCacheable = "response_not_cacheable"
)

// RequestContext carries everything the engine needs for one client request.
// It replaces any ambient per-request globals: the derived cache key, the
// key chain, and the decision history all live here and die with the request.
type RequestContext struct {
	Writer  http.ResponseWriter
	Request *http.Request

	// ESIProcessingEnabled advertises edge-side include capability upstream.
	ESIProcessingEnabled bool

	// StateHistory and EventHistory are written by the decision layer.
	StateHistory map[string]bool
	EventHistory map[string]bool

	// set to true once body streaming to the client was cut short
	Aborted bool

	key     string
	chain   *KeyChain
	serving bool
	started time.Time
}

func NewRequestContext(w http.ResponseWriter, r *http.Request) *RequestContext {
	return &RequestContext{
		Writer:       w,
		Request:      r,
		StateHistory: make(map[string]bool),
		EventHistory: make(map[string]bool),
		started:      time.Now(),
	}
}

// SetState records a decision-layer state transition.
func (c *RequestContext) SetState(name string) {
	c.StateHistory[name] = true
}

// SetEvent records a decision-layer event.
func (c *RequestContext) SetEvent(name string) {
	c.EventHistory[name] = true
}
