// Package storetest holds the conformance suite every store backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var suiteID = consensus.ContextID{Circuit: "c1", Service: "svc"}

func startEvent(at time.Time) consensus.Event {
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

func sampleCommit(eventSeq uint64, at time.Time) store.Commit {
	cx := consensus.NewContext(suiteID)
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
					Kind: api.MessageVoteRequest, Circuit: suiteID.Circuit,
					Service: suiteID.Service, Sender: "alice", Epoch: 1, Value: []byte("v1"),
				},
			}},
			{Kind: consensus.ActionNotification, Notify: &api.Notification{
				Kind: api.NotifyVoteRequestedCoordinator, Circuit: suiteID.Circuit,
				Service: suiteID.Service, Epoch: 1, Value: []byte("v1"),
			}},
		},
	}
}

// Run executes the conformance suite against the backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("unknown context", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.LoadContext(ctx, suiteID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LoadContext = %v, want ErrNotFound", err)
		}
		if _, err := s.NextPendingEvent(ctx, suiteID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("NextPendingEvent = %v, want ErrNotFound", err)
		}
		if err := s.MarkActionExecuted(ctx, suiteID, 1, t0); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("MarkActionExecuted = %v, want ErrNotFound", err)
		}
	})

	t.Run("append creates context", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ev, err := s.AppendEvent(ctx, suiteID, startEvent(t0))
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if ev.Seq != 1 {
			t.Fatalf("first event seq = %d, want 1", ev.Seq)
		}
		cx, err := s.LoadContext(ctx, suiteID)
		if err != nil {
			t.Fatalf("LoadContext: %v", err)
		}
		if cx.State != consensus.StateWaitingForStart || cx.ID != suiteID {
			t.Fatalf("initial context = %+v", cx)
		}
		ids, err := s.ListContexts(ctx)
		if err != nil {
			t.Fatalf("ListContexts: %v", err)
		}
		if len(ids) != 1 || ids[0] != suiteID {
			t.Fatalf("ListContexts = %v", ids)
		}
	})

	t.Run("event sequencing", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		for want := uint64(1); want <= 3; want++ {
			ev, err := s.AppendEvent(ctx, suiteID, startEvent(t0))
			if err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}
			if ev.Seq != want {
				t.Fatalf("event seq = %d, want %d", ev.Seq, want)
			}
		}
		next, err := s.NextPendingEvent(ctx, suiteID)
		if err != nil {
			t.Fatalf("NextPendingEvent: %v", err)
		}
		if next.Seq != 1 {
			t.Fatalf("oldest pending = %d, want 1", next.Seq)
		}
	})

	t.Run("commit", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		c := sampleCommit(1, t0)
		if err := s.Commit(ctx, suiteID, c); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		cx, err := s.LoadContext(ctx, suiteID)
		if err != nil {
			t.Fatalf("LoadContext: %v", err)
		}
		if cx.State != consensus.StateVoting || cx.Epoch != 1 {
			t.Fatalf("snapshot after commit = %+v", cx)
		}
		if _, err := s.NextPendingEvent(ctx, suiteID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("event still pending after commit: %v", err)
		}

		pending, err := s.PendingActions(ctx, suiteID)
		if err != nil {
			t.Fatalf("PendingActions: %v", err)
		}
		// The update-context action executes as part of the commit itself.
		if len(pending) != 2 {
			t.Fatalf("pending actions = %d, want 2", len(pending))
		}
		if pending[0].Kind != consensus.ActionSendMessage || pending[1].Kind != consensus.ActionNotification {
			t.Fatalf("pending order = %s, %s", pending[0].Kind, pending[1].Kind)
		}
		if pending[0].Seq == 0 || pending[1].Seq <= pending[0].Seq {
			t.Fatalf("action seqs not assigned in order: %d, %d", pending[0].Seq, pending[1].Seq)
		}

		st, err := s.Stats(ctx, suiteID)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.PendingEvents != 0 || st.PendingActions != 2 {
			t.Fatalf("stats = %+v", st)
		}
	})

	t.Run("commit out of order", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if err := s.Commit(ctx, suiteID, sampleCommit(2, t0)); !errors.Is(err, store.ErrOutOfOrder) {
			t.Fatalf("Commit(seq 2) = %v, want ErrOutOfOrder", err)
		}
		next, err := s.NextPendingEvent(ctx, suiteID)
		if err != nil || next.Seq != 1 {
			t.Fatalf("rejected commit disturbed the log: %v %+v", err, next)
		}
	})

	t.Run("mark action executed", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if err := s.Commit(ctx, suiteID, sampleCommit(1, t0)); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		pending, err := s.PendingActions(ctx, suiteID)
		if err != nil {
			t.Fatalf("PendingActions: %v", err)
		}
		first := pending[0].Seq
		if err := s.MarkActionExecuted(ctx, suiteID, first, t0.Add(time.Second)); err != nil {
			t.Fatalf("MarkActionExecuted: %v", err)
		}
		// Marking twice is a no-op; dispatch is at-least-once.
		if err := s.MarkActionExecuted(ctx, suiteID, first, t0.Add(2*time.Second)); err != nil {
			t.Fatalf("repeat MarkActionExecuted: %v", err)
		}
		pending, err = s.PendingActions(ctx, suiteID)
		if err != nil {
			t.Fatalf("PendingActions: %v", err)
		}
		if len(pending) != 1 || pending[0].Seq == first {
			t.Fatalf("pending after mark = %+v", pending)
		}
	})

	t.Run("purge", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if err := s.Purge(ctx, suiteID); err != nil {
			t.Fatalf("Purge: %v", err)
		}
		if _, err := s.LoadContext(ctx, suiteID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LoadContext after purge = %v, want ErrNotFound", err)
		}
		if err := s.Purge(ctx, suiteID); err != nil {
			t.Fatalf("repeat Purge: %v", err)
		}
	})

	t.Run("multiple contexts", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		other := consensus.ContextID{Circuit: "c2", Service: "svc"}
		if _, err := s.AppendEvent(ctx, other, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		ids, err := s.ListContexts(ctx)
		if err != nil {
			t.Fatalf("ListContexts: %v", err)
		}
		if len(ids) != 2 || ids[0] != suiteID || ids[1] != other {
			t.Fatalf("ListContexts = %v", ids)
		}
	})

	t.Run("closed store", func(t *testing.T) {
		s := open(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := s.AppendEvent(ctx, suiteID, startEvent(t0)); !errors.Is(err, store.ErrClosed) {
			t.Fatalf("AppendEvent after close = %v, want ErrClosed", err)
		}
		if _, err := s.ListContexts(ctx); !errors.Is(err, store.ErrClosed) {
			t.Fatalf("ListContexts after close = %v, want ErrClosed", err)
		}
	})
}
