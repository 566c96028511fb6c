package disk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/store"
	"pkt.systems/circuitd/internal/store/storetest"
)

var testID = consensus.ContextID{Circuit: "c1", Service: "svc"}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func testEvent(at time.Time) consensus.Event {
	return consensus.Event{
		Kind:      consensus.EventStart,
		CreatedAt: at,
		Start: &consensus.Start{
			Coordinator:  "alice",
			Participants: []string{"alice", "bob"},
			Value:        []byte("v1"),
		},
	}
}

func testCommit(eventSeq uint64, at time.Time) store.Commit {
	cx := consensus.NewContext(testID)
	cx.State = consensus.StateVoting
	cx.Coordinator = "alice"
	cx.Epoch = 1
	cx.Value = []byte("v1")
	cx.VoteDeadline = at.Add(30 * time.Second)
	cx.Participants = []consensus.Participant{{Process: "bob"}}
	snap := cx.Clone()
	return store.Commit{
		Context:  cx,
		EventSeq: eventSeq,
		At:       at,
		Actions: []consensus.Action{
			{Kind: consensus.ActionUpdateContext, Context: &snap},
			{Kind: consensus.ActionSendMessage, Send: &consensus.Send{
				To: "bob",
				Message: api.Envelope{
					Kind: api.MessageVoteRequest, Circuit: testID.Circuit,
					Service: testID.Service, Sender: "alice", Epoch: 1, Value: []byte("v1"),
				},
			}},
			{Kind: consensus.ActionNotification, Notify: &api.Notification{
				Kind: api.NotifyVoteRequestedCoordinator, Circuit: testID.Circuit,
				Service: testID.Service, Epoch: 1, Value: []byte("v1"),
			}},
		},
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openStore(t, t.TempDir())
	})
}

func TestReopenRestoresState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Commit(ctx, testID, testCommit(1, t0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	pending, err := s.PendingActions(ctx, testID)
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending actions = %d, want 2", len(pending))
	}
	if err := s.MarkActionExecuted(ctx, testID, pending[0].Seq, t0.Add(time.Second)); err != nil {
		t.Fatalf("MarkActionExecuted: %v", err)
	}
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0.Add(time.Minute))); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openStore(t, dir)
	defer s.Close()

	cx, err := s.LoadContext(ctx, testID)
	if err != nil {
		t.Fatalf("LoadContext after reopen: %v", err)
	}
	if cx.State != consensus.StateVoting || cx.Epoch != 1 || cx.Coordinator != "alice" {
		t.Fatalf("snapshot after reopen = %+v", cx)
	}
	next, err := s.NextPendingEvent(ctx, testID)
	if err != nil {
		t.Fatalf("NextPendingEvent after reopen: %v", err)
	}
	if next.Seq != 2 {
		t.Fatalf("pending event seq = %d, want 2", next.Seq)
	}
	pending, err = s.PendingActions(ctx, testID)
	if err != nil {
		t.Fatalf("PendingActions after reopen: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != consensus.ActionNotification {
		t.Fatalf("pending after reopen = %+v", pending)
	}

	// Sequences continue where they left off.
	ev, err := s.AppendEvent(ctx, testID, testEvent(t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("AppendEvent after reopen: %v", err)
	}
	if ev.Seq != 3 {
		t.Fatalf("event seq after reopen = %d, want 3", ev.Seq)
	}
}

func TestTornEventTailIsTruncated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0.Add(time.Second))); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append: garbage at the end of the event log.
	path := filepath.Join(dir, contextDirName(testID), eventsLogName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	if _, err := f.Write([]byte("torn half-written record")); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	s = openStore(t, dir)
	defer s.Close()
	next, err := s.NextPendingEvent(ctx, testID)
	if err != nil {
		t.Fatalf("NextPendingEvent: %v", err)
	}
	if next.Seq != 1 {
		t.Fatalf("pending seq = %d, want 1", next.Seq)
	}
	st, err := s.Stats(ctx, testID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.PendingEvents != 2 {
		t.Fatalf("pending events = %d, want 2", st.PendingEvents)
	}

	// The log accepts appends again after truncation.
	ev, err := s.AppendEvent(ctx, testID, testEvent(t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("AppendEvent after truncation: %v", err)
	}
	if ev.Seq != 3 {
		t.Fatalf("event seq = %d, want 3", ev.Seq)
	}
}

func TestUncommittedActionTailIsTruncated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Commit(ctx, testID, testCommit(1, t0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash between the action append and the snapshot rename: a
	// fully intact action record whose sequence the snapshot does not cover.
	orphan := consensus.Action{
		Seq:  99,
		Kind: consensus.ActionSendMessage,
		Send: &consensus.Send{To: "bob", Message: api.Envelope{
			Kind: api.MessageAbort, Circuit: testID.Circuit, Service: testID.Service,
			Sender: "alice", Epoch: 9,
		}},
	}
	path := filepath.Join(dir, contextDirName(testID), actionsLogName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open action log: %v", err)
	}
	raw, err := json.Marshal(orphan)
	if err != nil {
		t.Fatalf("encode orphan: %v", err)
	}
	if _, err := f.Write(encodeRecord(recordAction, raw)); err != nil {
		t.Fatalf("append orphan: %v", err)
	}
	f.Close()

	s = openStore(t, dir)
	defer s.Close()
	pending, err := s.PendingActions(ctx, testID)
	if err != nil {
		t.Fatalf("PendingActions: %v", err)
	}
	for _, a := range pending {
		if a.Seq == 99 {
			t.Fatalf("uncommitted action survived recovery: %+v", a)
		}
	}
	if len(pending) != 2 {
		t.Fatalf("pending actions = %d, want 2", len(pending))
	}
}

func TestMissingSnapshotFailsOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, contextDirName(testID), snapshotName)); err != nil {
		t.Fatalf("remove snapshot: %v", err)
	}

	if _, err := New(Config{Dir: dir}); err == nil {
		t.Fatal("expected open to fail without a snapshot file")
	}
}

func TestLeftoverSnapshotTempIsIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Commit(ctx, testID, testCommit(1, t0)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A crash during a later snapshot write leaves a temp file behind.
	tmp := filepath.Join(dir, contextDirName(testID), snapshotTmpName)
	if err := os.WriteFile(tmp, []byte("half-written"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	s = openStore(t, dir)
	defer s.Close()
	cx, err := s.LoadContext(ctx, testID)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if cx.State != consensus.StateVoting || cx.Epoch != 1 {
		t.Fatalf("snapshot after reopen = %+v", cx)
	}
}

func TestOpenFailsWithoutDir(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestPurgeRemovesDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s := openStore(t, dir)
	defer s.Close()
	if _, err := s.AppendEvent(ctx, testID, testEvent(t0)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.Purge(ctx, testID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, contextDirName(testID))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("context dir survived purge: %v", err)
	}
}
