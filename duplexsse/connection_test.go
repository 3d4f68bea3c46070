package duplexsse

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSink is an in-memory Sink double: every write is recorded, and
// writes can be made to fail on demand to exercise detach/keep-alive.
type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	failing bool
	closed  bool
}

func (s *fakeSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("write failed")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) messages(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, w := range s.writes {
		for _, line := range strings.Split(string(w), "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var msg string
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					t.Fatalf("undecodable data line %q: %v", data, err)
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestServerConnection_SubmitOrderPreserved(t *testing.T) {
	c := newServerConnection("client-1", 0, 8, nil, func(*ServerConnection) {})
	sink := &fakeSink{}
	c.attach(sink)

	c.Submit("one")
	c.Submit("two")
	c.Submit("three")

	waitFor(t, func() bool { return sink.count() >= 3 })

	got := sink.messages(t)
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %v messages, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestServerConnection_DeliverRoutesInbound(t *testing.T) {
	c := newServerConnection("client-1", 0, 8, nil, func(*ServerConnection) {})
	c.deliver("hello")

	select {
	case msg := <-c.Messages():
		if msg != "hello" {
			t.Errorf("got %q, want %q", msg, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestServerConnection_DetachWithoutKeepAliveCloses(t *testing.T) {
	var closed bool
	var mu sync.Mutex
	c := newServerConnection("client-1", 0, 8, nil, func(*ServerConnection) {
		mu.Lock()
		closed = true
		mu.Unlock()
	})
	sink := &fakeSink{}
	c.attach(sink)
	c.detach(sink)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	})
	if !c.Closed() {
		t.Error("expected connection to be closed")
	}
}

func TestServerConnection_KeepAliveReattach(t *testing.T) {
	c := newServerConnection("client-1", time.Minute, 8, nil, func(*ServerConnection) {})
	sink1 := &fakeSink{}
	c.attach(sink1)
	c.detach(sink1)

	waitFor(t, func() bool { return c.IsInKeepAlivePeriod() })

	// A message submitted while detached must be buffered, not dropped,
	// and delivered in order once a new sink attaches.
	c.Submit("buffered")

	sink2 := &fakeSink{}
	c.attach(sink2)

	if c.IsInKeepAlivePeriod() {
		t.Error("expected reattach to leave KEEP_ALIVE")
	}

	waitFor(t, func() bool { return sink2.count() >= 1 })
	got := sink2.messages(t)
	if len(got) != 1 || got[0] != "buffered" {
		t.Fatalf("got %v, want [buffered]", got)
	}
	if sink1.count() != 0 {
		t.Error("message submitted after detach must not go to the old sink")
	}
}

func TestServerConnection_KeepAliveExpiryCloses(t *testing.T) {
	var closed bool
	var mu sync.Mutex
	c := newServerConnection("client-1", 20*time.Millisecond, 8, nil, func(*ServerConnection) {
		mu.Lock()
		closed = true
		mu.Unlock()
	})
	sink := &fakeSink{}
	c.attach(sink)
	c.detach(sink)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	})
	if !c.Closed() {
		t.Error("expected connection closed after keep-alive expiry")
	}
}

func TestServerConnection_WriteFailureDetaches(t *testing.T) {
	c := newServerConnection("client-1", time.Minute, 8, nil, func(*ServerConnection) {})
	sink := &fakeSink{failing: true}
	c.attach(sink)

	c.Submit("will not arrive on the failing sink")

	waitFor(t, func() bool { return c.IsInKeepAlivePeriod() })
}

func TestServerConnection_SubmitCloseGracefullyEndsStream(t *testing.T) {
	var closed bool
	var mu sync.Mutex
	c := newServerConnection("client-1", 0, 8, nil, func(*ServerConnection) {
		mu.Lock()
		closed = true
		mu.Unlock()
	})
	sink := &fakeSink{}
	c.attach(sink)

	c.Submit("last message")
	c.SubmitClose()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	})

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Error("expected inbound channel to be closed")
		}
	default:
		t.Error("expected inbound channel to be immediately closed/drained")
	}
}

func TestServerConnection_CloseSinkSimulatesDrop(t *testing.T) {
	c := newServerConnection("client-1", time.Minute, 8, nil, func(*ServerConnection) {})
	sink := &fakeSink{}
	c.attach(sink)

	c.CloseSink()

	waitFor(t, func() bool { return c.IsInKeepAlivePeriod() })
	if !sink.closed {
		t.Error("expected the dropped sink to be closed")
	}
}
