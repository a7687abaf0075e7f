// Package stream carries token chunks to clients: direct SSE/WebSocket
// writers for synchronous requests, and a Redis pub/sub relay for async
// processing where the worker publishes and a subscribe endpoint forwards.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Frame is the wire payload shared by SSE, WebSocket and pub/sub paths.
type Frame struct {
	Type    string `json:"type"` // content | done | error
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ContentFrame(content string) Frame { return Frame{Type: "content", Content: content} }
func DoneFrame() Frame                  { return Frame{Type: "done"} }
func ErrorFrame(err error) Frame        { return Frame{Type: "error", Error: err.Error()} }

// Terminal reports whether a frame ends the stream.
func (f Frame) Terminal() bool { return f.Type == "done" || f.Type == "error" }

// ChannelFor names the pub/sub channel for one async chat turn.
func ChannelFor(threadID, messageID string) string {
	return "stream:" + threadID + ":" + messageID
}

// SSEWriter serializes frames onto an HTTP response as server-sent events.
// Safe for concurrent Send calls.
type SSEWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	fl http.Flusher
}

// NewSSEWriter sets SSE headers and returns a writer, or an error when the
// ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &SSEWriter{w: w, fl: fl}, nil
}

// Send writes one frame as a data: line terminated by a blank line.
func (s *SSEWriter) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}
