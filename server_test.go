package circuitd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"pkt.systems/circuitd/api"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []api.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note api.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) kinds() map[api.NotificationKind]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[api.NotificationKind]int)
	for _, note := range n.notes {
		out[note.Kind]++
	}
	return out
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("Start: %v", err)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return srv, "http://" + srv.Addr()
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerServesHealthz(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	_, base := startTestServer(t, Config{Self: "alice"}, WithNotifier(notifier))

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
}

func TestServerSingleProcessRoundCommits(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	_, base := startTestServer(t, Config{Self: "alice"}, WithNotifier(notifier))

	postJSON(t, base+"/v1/round/start", api.StartRoundRequest{
		Circuit:      "c1",
		Service:      "ledger",
		Coordinator:  "alice",
		Participants: []string{"alice"},
		Value:        []byte("v1"),
	}).Body.Close()

	waitFor(t, "round to enter voting", func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.Contexts) == 1 && status.Contexts[0].State == "voting"
	})

	postJSON(t, base+"/v1/round/vote", api.CastVoteRequest{
		Circuit: "c1", Service: "ledger", Commit: true,
	}).Body.Close()

	waitFor(t, "round to commit", func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.Contexts) == 1 &&
			status.Contexts[0].State == "committed" &&
			status.Contexts[0].LastCommitEpoch == 1
	})

	waitFor(t, "commit notification", func() bool {
		return notifier.kinds()[api.NotifyCommit] > 0
	})
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	for _, note := range notifier.notes {
		if note.DeliveryID == "" {
			t.Fatalf("notification missing delivery id: %+v", note)
		}
	}
}

func TestServerPersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{Self: "alice", Store: "disk://" + dir, Listen: "127.0.0.1:0"}

	notifier := &recordingNotifier{}
	srv, err := NewServer(cfg, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.WaitReady(ctx); err != nil {
		cancel()
		t.Fatalf("WaitReady: %v", err)
	}
	cancel()
	base := "http://" + srv.Addr()

	postJSON(t, base+"/v1/round/start", api.StartRoundRequest{
		Circuit:      "c1",
		Service:      "ledger",
		Coordinator:  "alice",
		Participants: []string{"alice"},
		Value:        []byte("v1"),
	}).Body.Close()

	waitFor(t, "round to enter voting", func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.Contexts) == 1 && status.Contexts[0].State == "voting"
	})

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A fresh server over the same directory resumes the open round.
	_, base = startTestServer(t, cfg, WithNotifier(&recordingNotifier{}))
	waitFor(t, "resumed context in status", func() bool {
		resp, err := http.Get(base + "/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status api.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return false
		}
		return len(status.Contexts) == 1 &&
			status.Contexts[0].State == "voting" &&
			status.Contexts[0].Epoch == 1
	})
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{Self: "alice", Listen: "127.0.0.1:0"},
		WithNotifier(&recordingNotifier{}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}
}
