package duplexsseclient

import (
	"strings"
	"testing"
)

func TestSSEReader_DefaultEventMessage(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: \"hello\"\n\n"))

	if !r.Next() {
		t.Fatalf("Next() = false, err = %v", r.Err())
	}
	ev := r.Current()
	if ev.event != "" {
		t.Errorf("event = %q, want empty", ev.event)
	}
	if ev.data != `"hello"` {
		t.Errorf("data = %q, want %q", ev.data, `"hello"`)
	}
	if r.Next() {
		t.Error("expected no further events")
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
}

func TestSSEReader_NamedControlEvent(t *testing.T) {
	r := newSSEReader(strings.NewReader("event: control\ndata: \"close\"\n\n"))

	if !r.Next() {
		t.Fatalf("Next() = false, err = %v", r.Err())
	}
	ev := r.Current()
	if ev.event != "control" {
		t.Errorf("event = %q, want %q", ev.event, "control")
	}
	if ev.data != `"close"` {
		t.Errorf("data = %q, want %q", ev.data, `"close"`)
	}
}

func TestSSEReader_CommentLinesIgnored(t *testing.T) {
	r := newSSEReader(strings.NewReader(": keepalive\ndata: \"one\"\n\n"))

	if !r.Next() {
		t.Fatalf("Next() = false, err = %v", r.Err())
	}
	if r.Current().data != `"one"` {
		t.Errorf("data = %q, want %q", r.Current().data, `"one"`)
	}
}

func TestSSEReader_MultipleEventsInSequence(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: \"one\"\n\ndata: \"two\"\n\ndata: \"three\"\n\n"))

	var got []string
	for r.Next() {
		got = append(got, r.Current().data)
	}
	if r.Err() != nil {
		t.Fatalf("Err() = %v", r.Err())
	}
	want := []string{`"one"`, `"two"`, `"three"`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// A stream that ends without a trailing blank line still yields the
// final, already-accumulated event rather than silently dropping it.
func TestSSEReader_EndOfStreamWithoutTrailingBlankLine(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: \"unterminated\""))

	if !r.Next() {
		t.Fatalf("Next() = false, err = %v", r.Err())
	}
	if r.Current().data != `"unterminated"` {
		t.Errorf("data = %q, want %q", r.Current().data, `"unterminated"`)
	}
	if r.Next() {
		t.Error("expected no further events")
	}
}

func TestSSEReader_EmptyStreamYieldsNoEvents(t *testing.T) {
	r := newSSEReader(strings.NewReader(""))

	if r.Next() {
		t.Error("expected Next() = false on empty stream")
	}
	if r.Err() != nil {
		t.Errorf("Err() = %v, want nil", r.Err())
	}
}
