package ledge

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// ResponseServer composes diagnostic headers and streams the chosen
// response body to the client with explicit flush control.
type ResponseServer struct {
	events    *EventBus
	log       zerolog.Logger
	hostname  string
	software  string
	advertise bool
	chunkSize int
}

// Serve writes res to the client. Calling it again once a response has
// begun streaming for this request is a no-op.
func (s *ResponseServer) Serve(ctx *RequestContext, res *Response) {
	if ctx.serving {
		return
	}
	ctx.serving = true
	defer res.Close()

	s.setViaHeader(res.Header)
	s.setCacheStatusHeader(ctx, res.Header)

	s.events.Emit(EventBeforeServe, res)

	w := ctx.Writer
	for name, values := range res.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(res.Status)

	if ctx.Request.Method == http.MethodHead || res.Body == nil {
		return
	}
	s.streamBody(ctx, res)
}

// setViaHeader prepends this node's Via entry ahead of any existing value.
func (s *ResponseServer) setViaHeader(h http.Header) {
	via := "1.1 " + s.hostname
	if s.advertise {
		via += " (" + s.software + ")"
	}
	if existing := h.Get("Via"); existing != "" {
		via = via + ", " + existing
	}
	h.Set("Via", via)
}

// setCacheStatusHeader records the hit/miss outcome for this node. The
// indicator degrades to a miss only when the response was neither served
// disconnected nor served stale and an origin fetch actually happened.
// Responses the decision layer marked non-cacheable get no indicator.
func (s *ResponseServer) setCacheStatusHeader(ctx *RequestContext, h http.Header) {
	if ctx.EventHistory[EventResponseNotCacheable] {
		return
	}
	indicator := "HIT from " + s.hostname
	if !ctx.StateHistory[StateCanServeDisconnected] &&
		!ctx.StateHistory[StateCanServeStale] &&
		ctx.StateHistory[StateFetched] {
		indicator = "MISS from " + s.hostname
	}
	if existing := h.Get("X-Cache"); existing != "" {
		indicator = indicator + ", " + existing
	}
	h.Set("X-Cache", indicator)
}

// streamBody pulls the body reader chunk by chunk, flushing once the
// buffered bytes reach the chunk size. Flushing requires a protocol that
// supports it. Client disconnection stops the stream and is surfaced as
// an abort on the request context rather than silently swallowed.
func (s *ResponseServer) streamBody(ctx *RequestContext, res *Response) {
	w := ctx.Writer
	flusher, canFlush := w.(http.Flusher)
	canFlush = canFlush && ctx.Request.ProtoAtLeast(1, 1)

	var served, buffered int
	for {
		select {
		case <-ctx.Request.Context().Done():
			ctx.Aborted = true
			res.Abort(ctx.Request.Context().Err())
			s.log.Debug().Str("url", ctx.Request.URL.String()).Msg("Client disconnected during body stream")
			return
		default:
		}

		chunk, err := res.Body()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Error reading response body")
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if _, werr := w.Write(chunk); werr != nil {
			ctx.Aborted = true
			res.Abort(werr)
			s.log.Debug().Err(werr).Msg("Could not write response body to client")
			return
		}
		served += len(chunk)
		buffered += len(chunk)
		if canFlush && buffered >= s.chunkSize {
			flusher.Flush()
			buffered = 0
		}
	}
	s.log.Trace().Int("bytes", served).Msg("Wrote body to client")
}
