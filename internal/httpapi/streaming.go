package httpapi

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/amerfu/llmgate/internal/provider"
)

// flushingWriter wraps http.ResponseWriter, flushing after every chunk so
// the client receives bytes as they arrive rather than buffered until the
// handler returns. Adapted from this codebase's streaming response writer,
// generalized to satisfy pipeline.StreamSink.
type flushingWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	written int
}

func newFlushingWriter(w http.ResponseWriter) (*flushingWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &flushingWriter{w: w, flusher: flusher}, nil
}

// WriteChunk implements pipeline.StreamSink, re-emitting the chunk with
// the provider's native framing: an "event:" line when the dialect names
// its events, then the data line.
func (f *flushingWriter) WriteChunk(chunk provider.Chunk) error {
	if chunk.Event != "" {
		if _, err := fmt.Fprintf(f.w, "event: %s\n", chunk.Event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", chunk.Data); err != nil {
		return err
	}
	f.written += len(chunk.Data)
	f.flusher.Flush()
	return nil
}

// Hijack exposes the underlying writer's hijack support when present.
func (f *flushingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := f.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("httpapi: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
