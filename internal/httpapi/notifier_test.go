package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/circuitd/api"
)

func TestNotifierPostsNotification(t *testing.T) {
	t.Parallel()

	received := make(chan api.Notification, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var note api.Notification
		if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received <- note
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	n, err := NewNotifier(NotifierConfig{URL: ts.URL})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	err = n.Notify(context.Background(), api.Notification{
		Kind:       api.NotifyCommit,
		DeliveryID: "d1",
		Circuit:    "c1",
		Service:    "ledger",
		Epoch:      4,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	note := <-received
	if note.Kind != api.NotifyCommit || note.DeliveryID != "d1" || note.Epoch != 4 {
		t.Fatalf("received = %+v", note)
	}
}

func TestNotifierRejectedStatusIsError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	n, err := NewNotifier(NotifierConfig{URL: ts.URL})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), api.Notification{Kind: api.NotifyAbort}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestNotifierRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewNotifier(NotifierConfig{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
}
