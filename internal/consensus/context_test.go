package consensus

import (
	"errors"
	"testing"
	"time"
)

func TestContextCloneIsIndependent(t *testing.T) {
	t.Parallel()

	yes := true
	cx := Context{
		ID:           ContextID{Circuit: "c1", Service: "svc"},
		State:        StateVoted,
		Epoch:        3,
		Value:        []byte("v1"),
		Vote:         &yes,
		Participants: []Participant{{Process: "bob", Vote: &yes}},
	}
	cp := cx.Clone()

	cp.Value[0] = 'x'
	*cp.Vote = false
	*cp.Participants[0].Vote = false
	cp.Participants[0].Acked = true

	if string(cx.Value) != "v1" {
		t.Fatalf("clone shares value buffer: %q", cx.Value)
	}
	if !*cx.Vote {
		t.Fatal("clone shares own-vote pointer")
	}
	if !*cx.Participants[0].Vote || cx.Participants[0].Acked {
		t.Fatal("clone shares participant rows")
	}
}

func TestContextValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	yes := true

	cases := []struct {
		name string
		cx   Context
		ok   bool
	}{
		{
			name: "initial",
			cx:   NewContext(ContextID{Circuit: "c", Service: "s"}),
			ok:   true,
		},
		{
			name: "voting with armed vote deadline",
			cx:   Context{State: StateVoting, VoteDeadline: now},
			ok:   true,
		},
		{
			name: "voted with vote and decision deadline",
			cx:   Context{State: StateVoted, Vote: &yes, DecisionDeadline: now},
			ok:   true,
		},
		{
			name: "committed with matching epochs",
			cx:   Context{State: StateCommitted, Epoch: 2, LastCommitEpoch: 2},
			ok:   true,
		},
		{
			name: "unknown state",
			cx:   Context{State: State("meditating")},
		},
		{
			name: "vote deadline armed outside voting",
			cx:   Context{State: StateWaitingForStart, VoteDeadline: now},
		},
		{
			name: "voting without armed deadline",
			cx:   Context{State: StateVoting},
		},
		{
			name: "decision deadline armed outside voted",
			cx:   Context{State: StateVoting, VoteDeadline: now, DecisionDeadline: now},
		},
		{
			name: "voted without own vote",
			cx:   Context{State: StateVoted, DecisionDeadline: now},
		},
		{
			name: "vote lingering outside voted",
			cx:   Context{State: StateAborted, Vote: &yes},
		},
		{
			name: "commit epoch ahead of epoch",
			cx:   Context{State: StateCommitted, Epoch: 1, LastCommitEpoch: 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cx.Validate()
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvariant) {
				t.Fatalf("expected invariant violation, got %v", err)
			}
		})
	}
}

func TestContextDeadline(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	yes := true

	if d := (Context{State: StateVoting, VoteDeadline: now}).Deadline(); !d.Equal(now) {
		t.Fatalf("voting deadline = %v", d)
	}
	if d := (Context{State: StateVoted, Vote: &yes, DecisionDeadline: now}).Deadline(); !d.Equal(now) {
		t.Fatalf("voted deadline = %v", d)
	}
	if d := NewContext(ContextID{}).Deadline(); !d.IsZero() {
		t.Fatalf("idle context has deadline %v", d)
	}
}

func TestContextIDString(t *testing.T) {
	t.Parallel()

	id := ContextID{Circuit: "payments", Service: "ledger"}
	if got := id.String(); got != "payments/ledger" {
		t.Fatalf("String() = %q", got)
	}
	if id.Zero() {
		t.Fatal("populated id reported zero")
	}
	if !(ContextID{}).Zero() {
		t.Fatal("empty id not reported zero")
	}
}
