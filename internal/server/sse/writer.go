// Package sse writes Server-Sent Events frames for the Anthropic streaming
// dialect: headers, then a flushed "event: <type>\ndata: <json>\n\n" frame
// per chunk.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer streams SSE frames over an http.ResponseWriter that supports
// flushing mid-response.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter fails fast if the underlying ResponseWriter can't flush, since
// every streamed chat response depends on chunks reaching the client as
// they're produced rather than buffering until the handler returns.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders writes the SSE response headers. Must be called before the
// first WriteEvent.
func (sw *Writer) SetHeaders() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent marshals data and writes it as one SSE frame, flushing
// immediately so the client sees it without buffering delay.
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
