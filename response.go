package ledge

import (
	"io"
	"net/http"
)

// SizeUnknown marks a response whose body length was not advertised.
// Unknown length disables any size-bounded buffering downstream.
const SizeUnknown int64 = -1

// BodyReader is a pull-based body source: each call yields the next chunk,
// and io.EOF ends the sequence. A reader is finite, not restartable, and
// consumed at most once per request. Filters wrap one reader in another so
// a pulled chunk can trigger side effects (such as a write-through to
// entity storage) independent of the consumer.
type BodyReader func() ([]byte, error)

// Response is the in-flight representation handed between the engine's
// operations: either loaded from cache or freshly fetched from the origin.
type Response struct {
	Chain  *KeyChain
	Status int
	Header http.Header

	// Body is nil when the response has no body to stream.
	Body BodyReader
	// Size is the advertised or recorded body length, or SizeUnknown.
	Size int64
	// Entity is the identifier of the storage blob backing Body, if any.
	Entity string

	// upstream is kept for connection cleanup after streaming.
	upstream *http.Response
	// abort cancels in-flight write-through side effects when the consumer
	// stops pulling the body before end-of-sequence.
	abort func(error)
}

func NewResponse(status int, header http.Header) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{Status: status, Header: header, Size: SizeUnknown}
}

// Close releases the underlying origin connection, if any.
func (r *Response) Close() {
	if r.upstream != nil && r.upstream.Body != nil {
		r.upstream.Body.Close()
	}
}

// Abort signals that the body will not be consumed to end-of-sequence, so
// any attached write-through can discard its pending work. Aborting a
// response without such side effects, or after the body completed, is a
// no-op.
func (r *Response) Abort(reason error) {
	if r.abort != nil {
		r.abort(reason)
		r.abort = nil
	}
}

// chunkedBody adapts an io.Reader into a BodyReader yielding chunks of at
// most chunkSize bytes.
func chunkedBody(src io.Reader, chunkSize int) BodyReader {
	buf := make([]byte, chunkSize)
	done := false
	return func() ([]byte, error) {
		if done {
			return nil, io.EOF
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err == io.EOF {
				done = true
			}
			return chunk, nil
		}
		if err == nil {
			err = io.EOF
		}
		done = true
		return nil, err
	}
}

// lazyBody defers opening the underlying reader until the first pull, so a
// cache hit only touches entity storage if the body is actually streamed.
func lazyBody(open func() (io.ReadCloser, error), chunkSize int) BodyReader {
	var inner BodyReader
	var rc io.ReadCloser
	return func() ([]byte, error) {
		if inner == nil {
			var err error
			rc, err = open()
			if err != nil {
				return nil, err
			}
			inner = chunkedBody(rc, chunkSize)
		}
		chunk, err := inner()
		if err != nil && rc != nil {
			rc.Close()
			rc = nil
		}
		return chunk, err
	}
}
