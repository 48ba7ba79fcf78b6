package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/modelrelay/relay/pkg/types"
)

// bufferPool provides reusable byte buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// Forwarder relays a typed chunk stream to a downstream HTTP client as
// SSE, detecting client disconnects through the request context.
type Forwarder struct {
	upstream   Stream
	downstream http.ResponseWriter
	flusher    http.Flusher
	ctx        context.Context
}

// NewForwarder creates an SSE forwarder. The response writer must
// support flushing.
func NewForwarder(ctx context.Context, upstream Stream, downstream http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := downstream.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Forwarder{
		upstream:   upstream,
		downstream: downstream,
		flusher:    flusher,
		ctx:        ctx,
	}, nil
}

// Forward relays chunks until the upstream finishes, an error occurs, or
// the client disconnects. SSE headers are written before the first
// chunk. On normal completion the [DONE] marker is emitted.
func (f *Forwarder) Forward() error {
	defer f.upstream.Close()

	h := f.downstream.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	for {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		default:
		}

		chunk, err := f.upstream.Recv()
		if err == io.EOF {
			f.writeLine([]byte(SSEDataPrefix + SSEDone))
			f.writeLine(nil)
			f.flusher.Flush()
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.writeChunk(chunk); err != nil {
			return err
		}
	}
}

func (f *Forwarder) writeChunk(chunk *types.StreamChunk) error {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	f.writeLine(append(append((*buf)[:0], []byte(SSEDataPrefix)...), data...))
	f.writeLine(nil)
	f.flusher.Flush()
	return nil
}

func (f *Forwarder) writeLine(line []byte) {
	if line == nil {
		f.downstream.Write([]byte("\n"))
		return
	}
	f.downstream.Write(line)
	f.downstream.Write([]byte("\n"))
}
