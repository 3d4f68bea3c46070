package duplexsseclient

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mpetrov/duplexsse/duplexsse"
)

func TestTransport_UnorderedRoundTrip(t *testing.T) {
	h := duplexsse.New(duplexsse.Config{Path: "/events", ClientBufferSize: 8})
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := New(Config{ServerUrl: srv.URL + "/events"})
	defer tr.Close()

	var conn *duplexsse.ServerConnection
	select {
	case conn = <-h.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection published")
	}

	tr.Submit("hello server")
	select {
	case msg := <-conn.Messages():
		if msg != "hello server" {
			t.Errorf("got %q, want %q", msg, "hello server")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received submitted message")
	}

	conn.Submit("hello client")
	select {
	case msg := <-tr.Messages():
		if msg != "hello client" {
			t.Errorf("got %q, want %q", msg, "hello client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server message")
	}
}

func TestTransport_OrderedSubmissionPreservesOrder(t *testing.T) {
	h := duplexsse.New(duplexsse.Config{Path: "/events", ClientBufferSize: 8})
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := New(Config{ServerUrl: srv.URL + "/events", Ordered: true})
	defer tr.Close()

	var conn *duplexsse.ServerConnection
	select {
	case conn = <-h.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection published")
	}

	want := []string{"one", "two", "three", "four", "five"}
	for _, m := range want {
		tr.Submit(m)
	}

	var got []string
	for range want {
		select {
		case msg := <-conn.Messages():
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after receiving %v", got)
		}
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTransport_GracefulServerCloseEndsMessagesChannel(t *testing.T) {
	h := duplexsse.New(duplexsse.Config{Path: "/events", ClientBufferSize: 8})
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := New(Config{ServerUrl: srv.URL + "/events"})
	defer tr.Close()

	var conn *duplexsse.ServerConnection
	select {
	case conn = <-h.Connections():
	case <-time.After(2 * time.Second):
		t.Fatal("no connection published")
	}

	conn.SubmitClose()

	select {
	case _, ok := <-tr.Messages():
		if ok {
			t.Error("expected Messages() channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Messages() channel never closed")
	}

	if err := tr.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after graceful close", err)
	}
}
