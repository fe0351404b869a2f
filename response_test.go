package ledge

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestChunkedBodySplitsAtChunkSize(t *testing.T) {
	body := chunkedBody(strings.NewReader("abcdefghij"), 4)

	var chunks []string
	for {
		chunk, err := body()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks = append(chunks, string(chunk))
	}
	if got := strings.Join(chunks, "|"); got != "abcd|efgh|ij" {
		t.Errorf("chunks = %q, want abcd|efgh|ij", got)
	}
}

func TestChunkedBodyChunksAreIndependent(t *testing.T) {
	body := chunkedBody(strings.NewReader("aaaabbbb"), 4)
	first, _ := body()
	second, _ := body()
	if string(first) != "aaaa" || string(second) != "bbbb" {
		t.Errorf("chunks share a buffer: %q then %q", first, second)
	}
}

func TestChunkedBodyEmptySource(t *testing.T) {
	body := chunkedBody(bytes.NewReader(nil), 4)
	if _, err := body(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
	// the sequence stays ended
	if _, err := body(); err != io.EOF {
		t.Errorf("err after EOF = %v, want io.EOF", err)
	}
}

func TestChunkedBodyPropagatesReadError(t *testing.T) {
	boom := errors.New("disk gone")
	body := chunkedBody(&failingReader{err: boom}, 4)
	if _, err := body(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestLazyBodyOpensOnFirstPull(t *testing.T) {
	opened := 0
	closed := false
	body := lazyBody(func() (io.ReadCloser, error) {
		opened++
		return &trackingCloser{Reader: strings.NewReader("lazy"), closed: &closed}, nil
	}, 64)

	if opened != 0 {
		t.Fatal("reader opened before first pull")
	}
	chunk, err := body()
	if err != nil || string(chunk) != "lazy" {
		t.Fatalf("chunk = %q, err = %v", chunk, err)
	}
	if opened != 1 {
		t.Errorf("opened %d times, want 1", opened)
	}
	if _, err := body(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
	if !closed {
		t.Error("underlying reader not closed at end of sequence")
	}
}

func TestLazyBodyOpenFailure(t *testing.T) {
	boom := errors.New("entity gone")
	body := lazyBody(func() (io.ReadCloser, error) { return nil, boom }, 64)
	if _, err := body(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

type trackingCloser struct {
	io.Reader
	closed *bool
}

func (c *trackingCloser) Close() error {
	*c.closed = true
	return nil
}
