package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// SetupSSEHeaders sets the Server-Sent Events response headers.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEEvent writes one named event with a JSON payload.
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		zap.L().Warn("failed to marshal sse event data", zap.String("event", event), zap.Error(err))
		return
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		zap.L().Debug("failed to write sse event", zap.String("event", event), zap.Error(err))
		return
	}
	flusher.Flush()
}

// SSEStream serializes events written from more than one goroutine.
type SSEStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEStream sets the SSE headers and returns a stream over w, or false
// when w cannot flush.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEStream{w: w, flusher: flusher}, true
}

// Send writes one event.
func (s *SSEStream) Send(event string, data interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	SendSSEEvent(s.w, s.flusher, event, data)
}
