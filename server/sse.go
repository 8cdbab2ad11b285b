package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// sseStream writes server-sent events and flushes after each frame.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEStream prepares the response for event streaming. Returns nil
// when the connection cannot flush.
func newSSEStream(w http.ResponseWriter) *sseStream {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseStream{w: w, f: f}
}

// event writes one named frame with a JSON payload. An empty name writes
// a bare data frame.
func (s *sseStream) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.raw(name, string(data))
}

// raw writes one frame with the data text as-is (single line per data
// field; embedded newlines become separate data lines per the SSE
// framing rules).
func (s *sseStream) raw(name, data string) {
	if name != "" {
		fmt.Fprintf(s.w, "event: %s\n", name)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.f.Flush()
}
