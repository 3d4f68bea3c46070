package duplexproxy

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ptesting "github.com/mpetrov/duplexsse/pantry/testing"
)

func TestProxy_PostForwardedVerbatim(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, err := New(Config{Path: "/events", UpstreamBaseURL: upstream.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	proxy := httptest.NewServer(p)
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/events?sseClientId=c1", "application/json", strings.NewReader(`"payload"`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if gotPath != "/events" {
		t.Errorf("upstream path = %q, want /events", gotPath)
	}
	if gotQuery != "sseClientId=c1" {
		t.Errorf("upstream query = %q, want sseClientId=c1", gotQuery)
	}
	if gotBody != `"payload"` {
		t.Errorf("upstream body = %q, want %q", gotBody, `"payload"`)
	}
}

func TestProxy_WrongPathIs404(t *testing.T) {
	// Dispatch happens before any upstream call, so this only needs the
	// handler itself, not a real upstream server.
	p, err := New(Config{Path: "/events", UpstreamBaseURL: "http://upstream.invalid"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ptesting.NewRecorder(t).Get("/nope").Run(p).StatusNotFound()
}

// TestProxy_GetStreamsUpstreamFramesVerbatim exercises the hijack-and-pump
// path: the upstream server behaves like a slow SSE emitter, and the
// proxy must relay each frame to the downstream client without
// buffering it behind later frames.
func TestProxy_GetStreamsUpstreamFramesVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("upstream ResponseWriter does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: \"one\"\n\n")
		flusher.Flush()
		io.WriteString(w, "data: \"two\"\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	p, err := New(Config{Path: "/events", UpstreamBaseURL: upstream.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	proxy := httptest.NewServer(p)
	defer proxy.Close()

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	lines := make(chan string, 8)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended early, got %v", got)
			}
			if strings.HasPrefix(line, "data: ") {
				got = append(got, strings.TrimPrefix(line, "data: "))
			}
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	want := []string{`"one"`, `"two"`}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}
