package ledge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(origin *httptest.Server, mutate func(*Config)) *OriginFetcher {
	cfg := Config{
		ConnectTimeout:  time.Second,
		ReadTimeout:     time.Second,
		ChunkSize:       defaultChunkSize,
		VisibleHostname: "cache-test",
	}
	if origin != nil {
		u, _ := url.Parse(origin.URL)
		cfg.OriginURL = *u
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()
	return newOriginFetcher(cfg, NewEventBus(logger), logger)
}

func fetchContext(method, target string) *RequestContext {
	return NewRequestContext(nil, httptest.NewRequest(method, target, nil))
}

func collectBody(t *testing.T, body BodyReader) []byte {
	t.Helper()
	var out []byte
	for {
		chunk, err := body()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk...)
	}
}

func TestFetchProxiesOriginResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "14")
		w.WriteHeader(200)
		io.WriteString(w, "origin says hi")
	}))
	defer origin.Close()

	f := newTestFetcher(origin, nil)
	res := f.Fetch(fetchContext("GET", "http://frontend.example/p"))
	defer res.Close()

	require.Equal(t, 200, res.Status)
	require.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	require.EqualValues(t, len("origin says hi"), res.Size)
	require.Equal(t, "origin says hi", string(collectBody(t, res.Body)))
}

func TestFetchStripsHopByHopHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Keep-Alive", "timeout=5")
		h.Set("Proxy-Authenticate", "Basic")
		h.Set("X-Hop", "nominated")
		h.Set("Connection", "X-Hop")
		h.Set("X-Keep", "yes")
		w.WriteHeader(200)
	}))
	defer origin.Close()

	f := newTestFetcher(origin, nil)
	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	defer res.Close()

	require.Empty(t, res.Header.Get("Connection"))
	require.Empty(t, res.Header.Get("Keep-Alive"))
	require.Empty(t, res.Header.Get("Proxy-Authenticate"))
	require.Empty(t, res.Header.Get("Content-Length"))
	require.Empty(t, res.Header.Get("X-Hop"))
	require.Equal(t, "yes", res.Header.Get("X-Keep"))
}

func TestFetchSynthesizesDate(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/error" {
			w.Header()["Date"] = nil
			w.WriteHeader(500)
			return
		}
		w.Header()["Date"] = nil
		w.WriteHeader(200)
	}))
	defer origin.Close()

	f := newTestFetcher(origin, nil)

	res := f.Fetch(fetchContext("GET", "http://frontend.example/ok"))
	res.Close()
	_, err := http.ParseTime(res.Header.Get("Date"))
	require.NoError(t, err)

	// upstream errors are relayed as-is, without inventing a timestamp
	res = f.Fetch(fetchContext("GET", "http://frontend.example/error"))
	res.Close()
	require.Empty(t, res.Header.Get("Date"))
}

func TestFetchRejectsUnsupportedMethod(t *testing.T) {
	f := newTestFetcher(nil, nil)
	res := f.Fetch(fetchContext("TRACE", "http://frontend.example/"))
	require.Equal(t, StatusNotImplemented, res.Status)
	require.Nil(t, res.Body)
}

func TestFetchConnectRefusal(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	f := newTestFetcher(origin, nil)
	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	require.Equal(t, StatusServiceUnavailable, res.Status)
	require.Nil(t, res.Body)
}

func TestFetchUpstreamReadTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer origin.Close()

	f := newTestFetcher(origin, func(cfg *Config) {
		cfg.ReadTimeout = 50 * time.Millisecond
	})
	res := f.Fetch(fetchContext("GET", "http://frontend.example/slow"))
	require.Equal(t, StatusUpstreamTimeout, res.Status)
	require.Nil(t, res.Body)
}

func TestFetchOverridesHost(t *testing.T) {
	var seen string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Host
	}))
	defer origin.Close()

	f := newTestFetcher(origin, func(cfg *Config) {
		cfg.OriginHost = "backend.internal"
	})
	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	res.Close()
	require.Equal(t, "backend.internal", seen)

	f = newTestFetcher(origin, nil)
	res = f.Fetch(fetchContext("GET", "http://frontend.example/"))
	res.Close()
	require.Equal(t, "frontend.example", seen)
}

func TestFetchAdvertisesSurrogateCapability(t *testing.T) {
	var seen string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Surrogate-Capability")
	}))
	defer origin.Close()

	f := newTestFetcher(origin, func(cfg *Config) { cfg.ESIEnabled = true })
	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	res.Close()
	require.Equal(t, `cache-test="ESI/1.0"`, seen)

	// an upstream surrogate's advertisement is extended, not replaced
	ctx := fetchContext("GET", "http://frontend.example/")
	ctx.Request.Header.Set("Surrogate-Capability", `edge1="ESI/1.0"`)
	res = f.Fetch(ctx)
	res.Close()
	require.Equal(t, `edge1="ESI/1.0", cache-test="ESI/1.0"`, seen)
}

func TestFetchEmitsUpstreamEvents(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.Header.Get("X-Injected"))
	}))
	defer origin.Close()

	f := newTestFetcher(origin, nil)
	f.events.Bind(EventBeforeUpstreamRequest, func(payload any) error {
		payload.(*http.Request).Header.Set("X-Injected", "1")
		return nil
	})
	var after *Response
	f.events.Bind(EventAfterUpstreamRequest, func(payload any) error {
		after = payload.(*Response)
		return nil
	})

	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	res.Close()
	require.Same(t, res, after)
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.example/", http.StatusFound)
	}))
	defer origin.Close()

	f := newTestFetcher(origin, nil)
	res := f.Fetch(fetchContext("GET", "http://frontend.example/"))
	defer res.Close()
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, "http://elsewhere.example/", res.Header.Get("Location"))
}
