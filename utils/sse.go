package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventStream writes server-sent events and flushes after each one
type EventStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewEventStream sets the SSE headers and commits a 200 response.
// It fails before anything is written if w cannot flush.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	return &EventStream{w: w, f: f}, nil
}

// Send writes one event whose data line is the JSON encoding of data
func (s *EventStream) Send(event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Comment writes an SSE comment line, used as a keepalive
func (s *EventStream) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
