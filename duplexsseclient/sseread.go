// duplexsseclient/sseread.go
package duplexsseclient

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseEvent is one decoded SSE frame: an event name (empty when the
// frame has no "event:" line, as the server's message frames do; the
// transport treats empty as "message") and its data payload.
type sseEvent struct {
	event string
	data  string
}

// sseReader is a minimal SSE stream decoder for the frames this
// transport's ServerHandler actually emits: a single "event:" line
// (optional) plus a single "data:" line, terminated by a blank line.
//
// Adapted from Tangerg-lynx/sse's Decoder — that decoder handles the
// full W3C grammar (id persistence, retry, multi-line data, comment
// lines, BOM/invalid-UTF8 normalization) because it's a general-purpose
// SSE client. This transport's wire format never emits id, retry, or
// multi-line data, and has no server-side log to replay from, so
// those fields are dropped entirely rather than carried as unused
// plumbing; only the scan-and-accumulate shape is kept.
type sseReader struct {
	scanner *bufio.Scanner
	event   bytes.Buffer
	data    bytes.Buffer
	current sseEvent
	err     error
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseReader{scanner: s}
}

// Next advances to the next complete event. It returns false at
// end-of-stream or on a read error (retrievable via Err()).
func (d *sseReader) Next() bool {
	if d.err != nil {
		return false
	}

	started := false
	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !started {
				continue
			}
			d.current = sseEvent{event: d.event.String(), data: d.data.String()}
			d.event.Reset()
			d.data.Reset()
			return true
		}
		started = true

		if strings.HasPrefix(line, ":") {
			continue // comment line
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			d.event.WriteString(value)
		case "data":
			d.data.WriteString(value)
		}
	}

	if started && (d.event.Len() > 0 || d.data.Len() > 0) {
		d.current = sseEvent{event: d.event.String(), data: d.data.String()}
		d.event.Reset()
		d.data.Reset()
		return true
	}

	d.err = d.scanner.Err()
	return false
}

func (d *sseReader) Current() sseEvent { return d.current }
func (d *sseReader) Err() error        { return d.err }
