package consensus

import (
	"errors"
	"fmt"
	"time"
)

// ContextID identifies one consensus context: a replicated service instance
// on one circuit.
type ContextID struct {
	Circuit string `json:"circuit"`
	Service string `json:"service"`
}

func (id ContextID) String() string {
	return id.Circuit + "/" + id.Service
}

// Zero reports whether the identifier is empty.
func (id ContextID) Zero() bool {
	return id.Circuit == "" && id.Service == ""
}

// State enumerates the protocol states of a context.
type State string

const (
	// StateWaitingForStart is the initial state before any round exists.
	StateWaitingForStart State = "waiting_for_start"
	// StateWaitingForVoteRequest is a participant waiting for the
	// coordinator's vote request after a local start.
	StateWaitingForVoteRequest State = "waiting_for_vote_request"
	// StateVoting means a vote has been solicited from the local service and
	// the vote timeout is armed.
	StateVoting State = "voting"
	// StateVoted means the local vote is cast and the decision timeout is
	// armed.
	StateVoted State = "voted"
	// StateCommitted is terminal for the epoch: the round committed.
	StateCommitted State = "committed"
	// StateAborted is terminal for the epoch: the round aborted.
	StateAborted State = "aborted"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaitingForStart, StateWaitingForVoteRequest, StateVoting,
		StateVoted, StateCommitted, StateAborted:
		return true
	}
	return false
}

// Terminal reports whether s ends the current epoch.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// Participant is the coordinator's record of one remote process in the
// current round.
type Participant struct {
	// Process is the remote process identity.
	Process string `json:"process"`
	// Vote is the participant's cast vote as observed by the coordinator,
	// nil until a vote response arrives.
	Vote *bool `json:"vote,omitempty"`
	// Acked is set once the participant confirmed receipt of the final
	// decision; when every row is acked the round's retransmission state is
	// prunable.
	Acked bool `json:"acked,omitempty"`
}

// Context is the persisted state of one running protocol instance. It is an
// immutable snapshot: every transition replaces it wholesale.
type Context struct {
	ID ContextID `json:"id"`
	// Coordinator is the process coordinating the current epoch.
	Coordinator string `json:"coordinator,omitempty"`
	// Epoch is the monotonically increasing round counter.
	Epoch uint64 `json:"epoch"`
	// LastCommitEpoch is the most recently committed epoch, zero when none.
	LastCommitEpoch uint64 `json:"last_commit_epoch,omitempty"`
	State           State  `json:"state"`
	// Value is the opaque value proposed for the current epoch.
	Value []byte `json:"value,omitempty"`
	// Vote is this process's own vote, present only while state is voted.
	Vote *bool `json:"vote,omitempty"`
	// VoteDeadline is armed if and only if state is voting.
	VoteDeadline time.Time `json:"vote_deadline,omitzero"`
	// DecisionDeadline is armed if and only if state is voted.
	DecisionDeadline time.Time `json:"decision_deadline,omitzero"`
	// DecisionRetries counts decision requests sent for the current epoch.
	DecisionRetries int `json:"decision_retries,omitempty"`
	// Participants is non-empty only on the coordinator's context.
	Participants []Participant `json:"participants,omitempty"`
}

// NewContext returns the initial context for an id.
func NewContext(id ContextID) Context {
	return Context{ID: id, State: StateWaitingForStart}
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := c
	if c.Value != nil {
		out.Value = append([]byte(nil), c.Value...)
	}
	if c.Vote != nil {
		v := *c.Vote
		out.Vote = &v
	}
	if c.Participants != nil {
		out.Participants = make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			out.Participants[i] = p
			if p.Vote != nil {
				v := *p.Vote
				out.Participants[i].Vote = &v
			}
		}
	}
	return out
}

// Participant returns the row for the given process, or nil.
func (c *Context) Participant(process string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].Process == process {
			return &c.Participants[i]
		}
	}
	return nil
}

// Deadline returns the armed protocol deadline, or the zero time when idle.
func (c Context) Deadline() time.Time {
	switch c.State {
	case StateVoting:
		return c.VoteDeadline
	case StateVoted:
		return c.DecisionDeadline
	}
	return time.Time{}
}

// AllAcked reports whether every participant acknowledged the decision.
func (c Context) AllAcked() bool {
	for _, p := range c.Participants {
		if !p.Acked {
			return false
		}
	}
	return true
}

// ErrInvariant tags contexts found in an unrecognised combination of state
// and timer fields. Such contexts are failed individually; other contexts are
// unaffected.
var ErrInvariant = errors.New("consensus: context invariant violated")

// InvariantError describes a fatal per-context invariant violation.
type InvariantError struct {
	ID     ContextID
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("consensus: context %s: %s", e.ID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Validate checks the state/timer invariants. A violation means the persisted
// snapshot cannot be trusted and the context must be failed.
func (c Context) Validate() error {
	fail := func(detail string) error {
		return &InvariantError{ID: c.ID, Detail: detail}
	}
	if !c.State.Valid() {
		return fail(fmt.Sprintf("unknown state %q", c.State))
	}
	if armed := !c.VoteDeadline.IsZero(); armed != (c.State == StateVoting) {
		return fail(fmt.Sprintf("vote deadline armed=%t in state %s", armed, c.State))
	}
	if armed := !c.DecisionDeadline.IsZero(); armed != (c.State == StateVoted) {
		return fail(fmt.Sprintf("decision deadline armed=%t in state %s", armed, c.State))
	}
	if cast := c.Vote != nil; cast != (c.State == StateVoted) {
		return fail(fmt.Sprintf("vote cast=%t in state %s", cast, c.State))
	}
	if c.LastCommitEpoch > c.Epoch {
		return fail(fmt.Sprintf("last commit epoch %d ahead of epoch %d", c.LastCommitEpoch, c.Epoch))
	}
	return nil
}
