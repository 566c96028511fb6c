package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/circuitd/api"
	"pkt.systems/pslog"
)

func TestVersionCommandOutput(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "circuitd") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestStatusCommandRendersTable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(api.StatusResponse{
			Self: "alice",
			Contexts: []api.ContextStatus{
				{
					Circuit: "c1", Service: "ledger", State: "voting",
					Epoch: 3, LastCommitEpoch: 2, Coordinator: "alice",
					PendingEvents: 1, PendingActions: 0,
				},
			},
		})
	}))
	defer ts.Close()

	cmd := newStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--server", ts.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	rendered := out.String()
	for _, want := range []string{"self: alice", "c1", "ledger", "voting"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("status output missing %q:\n%s", want, rendered)
		}
	}
}

func TestStatusCommandReportsServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	cmd := newStatusCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", ts.URL})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["version"] || !names["status"] {
		t.Fatalf("subcommands = %v", names)
	}
}
