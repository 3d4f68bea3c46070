// duplexsse/frame.go
package duplexsse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

// eventMessage and eventControl are the two SSE event classes a
// ClientTransport subscribes to. A frame with no explicit event line
// dispatches as "message" on the browser/EventSource side.
const (
	eventMessage = "message"
	eventControl = "control"

	// controlClose is the only defined control payload; receiving it
	// tells the client to close its inbound stream.
	controlClose = "close"
)

// frame is a single SSE wire message: an optional "event:" line
// followed by exactly one "data:" line and the blank-line terminator.
// Unlike a general-purpose SSE encoder (see Tangerg-lynx/sse for that
// shape, with id/retry/multiline-data support), this transport only
// ever emits single-line JSON-encoded data frames with zero or one
// named event, so the encoder is deliberately narrow.
type frame struct {
	event string // "" means default "message" dispatch
	data  string // already-JSON-encoded payload
}

// encodeMessage builds the wire frame for an application payload: the
// payload is JSON-encoded as a string (escaping embedded newlines and
// control characters) so it occupies exactly one "data:" line and
// cannot corrupt the blank-line framing.
func encodeMessage(payload string) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("duplexsse: encode message: %w", err)
	}
	return frame{data: string(b)}.bytes(), nil
}

// encodeControl builds a control frame. The only value the client
// accepts without erroring is controlClose.
func encodeControl(value string) []byte {
	b, _ := json.Marshal(value)
	return frame{event: eventControl, data: string(b)}.bytes()
}

func (f frame) bytes() []byte {
	var buf bytes.Buffer
	if f.event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.WriteString(f.data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// writePreamble writes the SSE response status line and headers and
// flushes them so the client's EventSource considers the connection
// open even before the first frame arrives. origin is the value to
// echo in Access-Control-Allow-Origin (already resolved by the caller
// to the request's Origin header or, failing that, its Host).
func writePreamble(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Origin", origin)
	// Disables response buffering on nginx-fronted deployments; harmless
	// elsewhere.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// resolveOrigin echoes the request's Origin header verbatim when
// present, otherwise falls back to Host so that
// clients which omit Origin (same-origin requests, some non-browser
// HTTP clients) still get a usable Access-Control-Allow-Origin value.
func resolveOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Host
}
