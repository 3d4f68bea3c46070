package duplexsse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ptesting "github.com/mpetrov/duplexsse/pantry/testing"
)

func newTestHandler(t *testing.T) *ServerHandler {
	t.Helper()
	return New(Config{Path: "/events", ClientBufferSize: 8})
}

func TestServerHandler_WrongPathIs404(t *testing.T) {
	h := newTestHandler(t)
	rec := ptesting.NewRecorder(t)
	rec.Get("/nope").Header("Accept", "text/event-stream").Run(h).StatusNotFound()
}

func TestServerHandler_GetWithoutEventStreamAcceptIs404(t *testing.T) {
	h := newTestHandler(t)
	rec := ptesting.NewRecorder(t)
	rec.Get("/events").Run(h).StatusNotFound()
}

func TestServerHandler_GetMissingClientIdIs400(t *testing.T) {
	h := newTestHandler(t)
	rec := ptesting.NewRecorder(t)
	rec.Get("/events").Header("Accept", "text/event-stream").Run(h).StatusBadRequest()
}

func TestServerHandler_OtherMethodIs404(t *testing.T) {
	h := newTestHandler(t)
	rec := ptesting.NewRecorder(t)
	rec.Put("/events").Run(h).StatusNotFound()
}

// POST always responds 200, even for malformed bodies or unknown ids,
// so a late/bad POST can never destabilize the client pipeline.
func TestServerHandler_PostAlwaysRespondsOK(t *testing.T) {
	h := newTestHandler(t)
	rec := ptesting.NewRecorder(t)

	cases := []struct {
		name string
		id   string
		body string
	}{
		{"missing id", "", `"hello"`},
		{"malformed json", "abc", `not json`},
		{"unknown id", "nobody-registered", `"hello"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec.Post("/events").Query("sseClientId", tc.id).BodyString(tc.body).Run(h).StatusOK()
		})
	}
}

// readSSEEvent reads one "event:"/"data:" pair (or "data:" only) from an
// SSE body reader, skipping the blank terminator line.
func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data != "" || event != "" {
				return event, data
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		} else if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
		}
	}
}

// TestServerHandler_RoundTrip drives a real HTTP round trip: a GET
// subscribes, a POST delivers a message to the connection's inbound
// queue, and an application-submitted outbound message arrives over
// the SSE stream in order.
func TestServerHandler_RoundTrip(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	getReq, err := http.NewRequest(http.MethodGet, srv.URL+"/events?sseClientId=c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	getReq.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(getReq)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var conn *ServerConnection
	select {
	case conn = <-h.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection published")
	}
	if conn.ID() != "c1" {
		t.Fatalf("connection id = %q, want c1", conn.ID())
	}

	reader := bufio.NewReader(resp.Body)

	conn.Submit("hello client")
	event, data := readSSEEvent(t, reader)
	if event != "" {
		t.Errorf("event = %q, want default (message)", event)
	}
	var payload string
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("undecodable payload %q: %v", data, err)
	}
	if payload != "hello client" {
		t.Errorf("payload = %q, want %q", payload, "hello client")
	}

	body, _ := json.Marshal("hello server")
	postReq, err := http.NewRequest(http.MethodPost, srv.URL+"/events?sseClientId=c1", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	postResp, err := http.DefaultClient.Do(postReq)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d, want 200", postResp.StatusCode)
	}

	select {
	case msg := <-conn.Messages():
		if msg != "hello server" {
			t.Errorf("inbound message = %q, want %q", msg, "hello server")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message never arrived")
	}

	if h.NumberOfClients() != 1 {
		t.Errorf("NumberOfClients() = %d, want 1", h.NumberOfClients())
	}
}

// TestServerHandler_EvictAndCreateNew verifies that a second SSE GET
// for the same id, while the first connection is still LIVE (not in a
// keep-alive window), evicts the registry entry and installs a fresh
// connection rather than reattaching to the old one.
func TestServerHandler_EvictAndCreateNew(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	doGet := func() (*http.Response, *ServerConnection) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events?sseClientId=dup", nil)
		req.Header.Set("Accept", "text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		var conn *ServerConnection
		select {
		case conn = <-h.Connections():
		case <-time.After(2 * time.Second):
			t.Fatal("no connection published")
		}
		return resp, conn
	}

	resp1, conn1 := doGet()
	defer resp1.Body.Close()

	resp2, conn2 := doGet()
	defer resp2.Body.Close()

	if conn1 == conn2 {
		t.Fatal("expected a new ServerConnection for the second GET")
	}

	h.mu.Lock()
	registered := h.connections["dup"]
	h.mu.Unlock()
	if registered != conn2 {
		t.Error("expected the registry to hold the second connection")
	}
}
