package ledge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Synthetic status codes for transport failures, so the response path can
// serve a meaningful status without inspecting error detail.
const (
	StatusUpstreamTimeout    = 524
	StatusHandshakeFailed    = 525
	StatusServiceUnavailable = http.StatusServiceUnavailable
	StatusNotImplemented     = http.StatusNotImplemented
)

// Response headers that are hop-by-hop (or recalculated on the way out)
// and must never be merged into the cached representation.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

var supportedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodOptions: true,
}

// dialError marks failures that happened while connecting, as opposed to
// failures of the request itself, so they map to distinct status codes.
type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// OriginFetcher executes one origin request and maps transport failures to
// synthetic status codes.
type OriginFetcher struct {
	upstream     url.URL
	upstreamHost string
	esiEnabled   bool
	hostname     string
	events       *EventBus
	log          zerolog.Logger
	chunkSize    int
	client       *http.Client
}

func newOriginFetcher(cfg Config, events *EventBus, log zerolog.Logger) *OriginFetcher {
	f := &OriginFetcher{
		upstream:     cfg.OriginURL,
		upstreamHost: cfg.OriginHost,
		esiEnabled:   cfg.ESIEnabled,
		hostname:     cfg.VisibleHostname,
		events:       events,
		log:          log,
		chunkSize:    cfg.ChunkSize,
	}
	serverName := f.upstreamHost
	if serverName == "" {
		serverName = hostOnly(cfg.OriginURL.Host)
	}
	f.client = originClient(originParams{
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    cfg.ReadTimeout,
		serverName:     serverName,
		verify:         cfg.TLSVerify,
	})
	return f
}

type originParams struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	serverName     string
	verify         bool
}

// originClient builds an http.Client with separate connect and read
// timeouts. Dial failures are wrapped so they classify separately from
// failures of an established request.
func originClient(p originParams) *http.Client {
	dialer := &net.Dialer{Timeout: p.connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &dialError{err: err}
			}
			return conn, nil
		},
		TLSHandshakeTimeout:   p.connectTimeout,
		ResponseHeaderTimeout: p.readTimeout,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			ServerName:         p.serverName,
			InsecureSkipVerify: !p.verify,
		},
	}
	return &http.Client{
		Transport: transport,
		// the engine proxies redirects through, it never follows them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch executes the origin request for ctx and returns the resulting
// response. Transport failures never surface as errors: they come back as
// responses carrying a synthetic status and no body reader.
func (f *OriginFetcher) Fetch(ctx *RequestContext) *Response {
	r := ctx.Request
	if !supportedMethods[r.Method] {
		return NewResponse(StatusNotImplemented, nil)
	}

	originURL := *r.URL
	originURL.Scheme = f.upstream.Scheme
	originURL.Host = f.upstream.Host

	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL.String(), r.Body)
	if err != nil {
		f.log.Error().Err(err).Msg("Could not build origin request")
		return NewResponse(StatusServiceUnavailable, nil)
	}

	// copy inbound headers under canonical names so mutating the origin
	// header set never touches the client's request
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if f.upstreamHost != "" {
		req.Host = f.upstreamHost
	} else {
		req.Host = r.Host
	}

	if f.esiEnabled {
		f.advertiseSurrogateCapability(req.Header)
	}

	f.events.Emit(EventBeforeUpstreamRequest, req)

	upRes, err := f.client.Do(req)
	if err != nil {
		return NewResponse(f.statusForError(err), nil)
	}

	res := NewResponse(upRes.StatusCode, nil)
	mergeUpstreamHeaders(res.Header, upRes.Header)

	if cl := upRes.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			res.Size = n
		}
	} else if upRes.ContentLength >= 0 {
		res.Size = upRes.ContentLength
	}

	if res.Status < 500 {
		ensureDateHeader(res.Header)
	}

	res.upstream = upRes
	res.Body = chunkedBody(upRes.Body, f.chunkSize)

	f.events.Emit(EventAfterUpstreamRequest, res)
	return res
}

// advertiseSurrogateCapability identifies this node and its edge-side
// processing support, merging with any value set by an upstream surrogate.
func (f *OriginFetcher) advertiseSurrogateCapability(h http.Header) {
	capability := f.hostname + `="ESI/1.0"`
	if existing := h.Get("Surrogate-Capability"); existing != "" {
		capability = existing + ", " + capability
	}
	h.Set("Surrogate-Capability", capability)
}

func (f *OriginFetcher) statusForError(err error) int {
	var de *dialError
	if errors.As(err, &de) {
		var netErr net.Error
		if errors.As(de.err, &netErr) && netErr.Timeout() {
			f.log.Warn().Err(err).Msg("Upstream connect timeout")
			return StatusUpstreamTimeout
		}
		if isHandshakeError(de.err) {
			f.log.Warn().Err(err).Msg("Upstream TLS handshake failed")
			return StatusHandshakeFailed
		}
		f.log.Warn().Err(err).Msg("Could not connect to upstream")
		return StatusServiceUnavailable
	}
	if isHandshakeError(err) {
		f.log.Warn().Err(err).Msg("Upstream TLS handshake failed")
		return StatusHandshakeFailed
	}
	// anything failing after the connection was up: reset, read timeout, ...
	f.log.Warn().Err(err).Msg("Origin request failed")
	return StatusUpstreamTimeout
}

func isHandshakeError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthErr) || errors.As(err, &hostErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

// mergeUpstreamHeaders copies origin response headers, stripping hop-by-hop
// fields that only concern the upstream connection.
func mergeUpstreamHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	if connection := src.Get("Connection"); connection != "" {
		// Connection can nominate additional hop-by-hop fields
		for _, name := range strings.Split(connection, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// ensureDateHeader synthesizes a Date if the origin omitted one or sent
// something unparsable.
func ensureDateHeader(h http.Header) {
	if d := h.Get("Date"); d != "" {
		if _, err := http.ParseTime(d); err == nil {
			return
		}
	}
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
}
