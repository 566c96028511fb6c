package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pkt.systems/circuitd/api"
)

func testEnvelope() api.Envelope {
	return api.Envelope{
		Kind:    api.MessageVoteRequest,
		Circuit: "c1",
		Service: "ledger",
		Sender:  "alice",
		Epoch:   3,
		Value:   []byte("v1"),
	}
}

func TestSenderPostsEnvelope(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotPath  string
		gotType  string
		received api.Envelope
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	s, err := NewSender(SenderConfig{Peers: map[string]string{"bob": ts.URL + "/"}})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := s.Send(context.Background(), "bob", testEnvelope()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1/deliver" {
		t.Fatalf("path = %q, want /v1/deliver", gotPath)
	}
	if gotType != "application/json" {
		t.Fatalf("content-type = %q", gotType)
	}
	if received.Kind != api.MessageVoteRequest || received.Epoch != 3 || received.Sender != "alice" {
		t.Fatalf("received envelope = %+v", received)
	}
}

func TestSenderUnknownPeer(t *testing.T) {
	t.Parallel()

	s, err := NewSender(SenderConfig{Peers: map[string]string{"bob": "http://bob.invalid"}})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	err = s.Send(context.Background(), "carol", testEnvelope())
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("error = %v, want ErrUnknownPeer", err)
	}
}

func TestSenderRejectedStatusIsError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	s, err := NewSender(SenderConfig{Peers: map[string]string{"bob": ts.URL}})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := s.Send(context.Background(), "bob", testEnvelope()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestSenderConfigValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewSender(SenderConfig{Peers: map[string]string{"": "http://x"}}); err == nil {
		t.Fatal("expected error for empty process name")
	}
	if _, err := NewSender(SenderConfig{Peers: map[string]string{"bob": ""}}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
