// Package streaming provides SSE (Server-Sent Events) utilities: a
// reader that turns an upstream SSE body into typed chunks, and a
// forwarder that relays chunks to a downstream HTTP client. The reader
// tracks whether the stream is committed (first chunk delivered), which
// gates candidate failover upstream.
package streaming

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelrelay/relay/pkg/types"
)

const (
	// DefaultBufferSize is the initial size for SSE line buffers.
	DefaultBufferSize = 4096

	// maxLineSize caps a single SSE line. Tool-call and vision chunks
	// can carry large payloads, so the cap is generous; a line beyond it
	// surfaces as a scanner error and aborts the stream.
	maxLineSize = 1 << 20

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

// Stream is an iterator over a streaming completion. Recv returns io.EOF
// when the upstream finishes normally.
type Stream interface {
	Recv() (*types.StreamChunk, error)
	Close() error
}

// Reader parses an upstream SSE body into StreamChunks.
//
// Example:
//
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
type Reader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closed    bool
	committed bool
	startTime time.Time
	ttft      time.Duration

	mu sync.Mutex
}

// NewReader wraps an upstream SSE body.
func NewReader(body io.ReadCloser) *Reader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, DefaultBufferSize), maxLineSize)

	return &Reader{
		body:      body,
		scanner:   scanner,
		startTime: time.Now(),
	}
}

// Recv returns the next chunk, io.EOF at normal end of stream, or the
// underlying read error. Keep-alive lines and unparseable events are
// skipped.
func (r *Reader) Recv() (*types.StreamChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, io.EOF
	}

	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if bytes.Equal(line, []byte(SSEDataPrefix+SSEDone)) || bytes.Equal(line, []byte(SSEDone)) {
			r.close()
			return nil, io.EOF
		}

		data := bytes.TrimPrefix(line, []byte(SSEDataPrefix))
		var chunk types.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Comments and keep-alive events are not chunks.
			continue
		}
		if len(chunk.Choices) == 0 && chunk.Usage == nil {
			continue
		}

		if !r.committed {
			r.committed = true
			r.ttft = time.Since(r.startTime)
		}
		return &chunk, nil
	}

	if err := r.scanner.Err(); err != nil {
		r.close()
		return nil, err
	}

	r.close()
	return nil, io.EOF
}

// Committed reports whether at least one chunk has been delivered. Once
// committed, the response belongs to this upstream; failover is no
// longer possible.
func (r *Reader) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// TTFT returns the time to first token, or 0 before the first chunk.
func (r *Reader) TTFT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttft
}

// Close releases the upstream body. Safe to call multiple times.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.close()
}

func (r *Reader) close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}
