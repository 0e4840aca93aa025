package progress

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dgnsrekt/narrator-go/internal/logging"
)

// Channel writes events to a server-sent-event stream as
// "data: {json}\n\n" records. Once closed, either explicitly or after a
// failed write, Emit returns immediately without writing. At most one
// terminal event is written.
type Channel struct {
	mu         sync.Mutex
	w          io.Writer
	flusher    http.Flusher
	closed     bool
	terminated bool
	logger     *slog.Logger
}

// NewChannel prepares w for streaming: it sets the SSE headers and sends
// the 200 status line.
func NewChannel(w http.ResponseWriter, logger *slog.Logger) *Channel {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := NewWriterChannel(w, logger)
	if f, ok := w.(http.Flusher); ok {
		c.flusher = f
		f.Flush()
	}
	return c
}

// NewWriterChannel streams events to an arbitrary writer.
func NewWriterChannel(w io.Writer, logger *slog.Logger) *Channel {
	return &Channel{w: w, logger: logging.OrDiscard(logger)}
}

// Emit writes ev to the stream.
func (c *Channel) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.terminated {
		c.logger.Debug("dropping event after terminal event", "type", string(ev.Type))
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode progress event", "error", err)
		return
	}

	if err := writeRecord(c.w, data); err != nil {
		c.logger.Info("progress stream closed by receiver", "error", err)
		c.closed = true
		return
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	if ev.Terminal() {
		c.terminated = true
	}
}

// Close marks the stream closed. It waits for an in-flight write to finish,
// after which the underlying writer is never touched again.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether the stream has been closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Terminated reports whether a complete or error event has been written.
func (c *Channel) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

func writeRecord(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	_, err := w.Write(buf)
	return err
}
