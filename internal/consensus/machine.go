package consensus

import (
	"fmt"
	"time"

	"pkt.systems/circuitd/api"
)

// Timeouts holds the protocol timer durations. Deadlines are computed from
// event timestamps, never from the wall clock, so processing stays
// deterministic.
type Timeouts struct {
	// Vote bounds how long a solicited vote may stay uncast.
	Vote time.Duration
	// Decision bounds how long a cast vote may wait for the coordinator's
	// decision before a decision request is sent (and resent).
	Decision time.Duration
}

// DefaultTimeouts returns the protocol timer defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Vote:     30 * time.Second,
		Decision: 15 * time.Second,
	}
}

func (t Timeouts) normalize() Timeouts {
	def := DefaultTimeouts()
	if t.Vote <= 0 {
		t.Vote = def.Vote
	}
	if t.Decision <= 0 {
		t.Decision = def.Decision
	}
	return t
}

// Machine is the pure decision core of the protocol. Process performs no I/O
// and reads no clocks; replaying the same event against the same context
// always yields the same result, which is what makes crash recovery a plain
// re-scan of the logs.
type Machine struct {
	self     string
	timeouts Timeouts
}

// NewMachine builds a machine for the local process identity.
func NewMachine(self string, timeouts Timeouts) *Machine {
	return &Machine{self: self, timeouts: timeouts.normalize()}
}

// Self returns the local process identity.
func (m *Machine) Self() string { return m.self }

// actionBuilder accumulates the effects of one event.
type actionBuilder struct {
	id       ContextID
	self     string
	eventSeq uint64
	dirty    bool
	list     []Action
}

func (b *actionBuilder) send(to string, kind api.MessageKind, epoch uint64, env func(*api.Envelope)) {
	msg := api.Envelope{
		Kind:    kind,
		Circuit: b.id.Circuit,
		Service: b.id.Service,
		Sender:  b.self,
		Epoch:   epoch,
	}
	if env != nil {
		env(&msg)
	}
	b.list = append(b.list, Action{
		EventSeq: b.eventSeq,
		Kind:     ActionSendMessage,
		Send:     &Send{To: to, Message: msg},
	})
}

func (b *actionBuilder) notify(kind api.NotificationKind, epoch uint64, value []byte, reason string) {
	b.list = append(b.list, Action{
		EventSeq: b.eventSeq,
		Kind:     ActionNotification,
		Notify: &api.Notification{
			Kind:    kind,
			Circuit: b.id.Circuit,
			Service: b.id.Service,
			Epoch:   epoch,
			Value:   value,
			Reason:  reason,
		},
	})
}

func (b *actionBuilder) drop(epoch uint64, reason string) {
	b.notify(api.NotifyMessageDropped, epoch, nil, reason)
}

// Process applies one event to a context and returns the replacement context
// plus the ordered effects. Protocol-level surprises (stale epochs, wrong
// roles, duplicates) never fail: they become message-dropped notifications.
// An error is returned only for invariant violations, which are fatal for
// this context alone.
func (m *Machine) Process(cx Context, ev Event) (Context, []Action, error) {
	if err := cx.Validate(); err != nil {
		return cx, nil, err
	}
	next := cx.Clone()
	b := &actionBuilder{id: cx.ID, self: m.self, eventSeq: ev.Seq}

	var err error
	switch ev.Kind {
	case EventStart:
		err = m.processStart(&next, ev, b)
	case EventVote:
		err = m.processVote(&next, ev, b)
	case EventDeliver:
		err = m.processDeliver(&next, ev, b)
	case EventAlarm:
		m.processAlarm(&next, ev, b)
	default:
		err = &InvariantError{ID: cx.ID, Detail: fmt.Sprintf("unknown event kind %q", ev.Kind)}
	}
	if err != nil {
		return cx, nil, err
	}

	actions := b.list
	if b.dirty {
		if err := next.Validate(); err != nil {
			return cx, nil, err
		}
		snap := next.Clone()
		actions = append([]Action{{
			EventSeq: ev.Seq,
			Kind:     ActionUpdateContext,
			Context:  &snap,
		}}, actions...)
	}
	return next, actions, nil
}

func (m *Machine) processStart(next *Context, ev Event, b *actionBuilder) error {
	st := ev.Start
	if st == nil {
		return &InvariantError{ID: next.ID, Detail: "start event without payload"}
	}
	if st.Coordinator == "" {
		b.drop(next.Epoch, api.DropReasonUnexpected)
		return nil
	}
	switch next.State {
	case StateWaitingForStart, StateCommitted, StateAborted:
	default:
		// One round at a time per context.
		b.drop(next.Epoch, api.DropReasonRoundActive)
		return nil
	}

	b.dirty = true
	next.Coordinator = st.Coordinator
	next.Vote = nil
	next.VoteDeadline = time.Time{}
	next.DecisionDeadline = time.Time{}
	next.DecisionRetries = 0

	if st.Coordinator != m.self {
		// The epoch is adopted from the coordinator's vote request.
		next.State = StateWaitingForVoteRequest
		next.Value = nil
		next.Participants = nil
		return nil
	}

	next.Epoch++
	next.State = StateVoting
	next.Value = append([]byte(nil), st.Value...)
	next.VoteDeadline = ev.CreatedAt.Add(m.timeouts.Vote)
	next.Participants = nil
	for _, p := range st.Participants {
		if p == m.self || p == "" || next.Participant(p) != nil {
			continue
		}
		next.Participants = append(next.Participants, Participant{Process: p})
	}
	for _, p := range next.Participants {
		b.send(p.Process, api.MessageVoteRequest, next.Epoch, func(msg *api.Envelope) {
			msg.Value = next.Value
		})
	}
	b.notify(api.NotifyVoteRequestedCoordinator, next.Epoch, next.Value, "")
	return nil
}

func (m *Machine) processVote(next *Context, ev Event, b *actionBuilder) error {
	v := ev.Vote
	if v == nil {
		return &InvariantError{ID: next.ID, Detail: "vote event without payload"}
	}
	if next.State != StateVoting {
		b.drop(next.Epoch, api.DropReasonUnexpected)
		return nil
	}

	b.dirty = true
	vote := v.Commit
	next.Vote = &vote
	next.State = StateVoted
	next.VoteDeadline = time.Time{}
	next.DecisionDeadline = ev.CreatedAt.Add(m.timeouts.Decision)
	next.DecisionRetries = 0

	if !m.coordinating(next) {
		b.send(next.Coordinator, api.MessageVoteResponse, next.Epoch, func(msg *api.Envelope) {
			msg.Vote = vote
		})
		return nil
	}
	if !vote {
		m.decideAbort(next, b)
		return nil
	}
	m.maybeDecide(next, b)
	return nil
}

func (m *Machine) processDeliver(next *Context, ev Event, b *actionBuilder) error {
	msg := ev.Deliver
	if msg == nil {
		return &InvariantError{ID: next.ID, Detail: "deliver event without payload"}
	}
	if !msg.Kind.Valid() {
		b.drop(msg.Epoch, api.DropReasonUnexpected)
		return nil
	}
	if msg.Epoch < next.LastCommitEpoch {
		b.drop(msg.Epoch, api.DropReasonStaleEpoch)
		return nil
	}

	coordinating := m.coordinating(next)
	switch msg.Kind {
	case api.MessageVoteResponse, api.MessageDecisionRequest, api.MessageDecisionAck:
		if !coordinating {
			b.drop(msg.Epoch, api.DropReasonWrongRole)
			return nil
		}
	case api.MessageVoteRequest, api.MessageCommit, api.MessageAbort:
		if coordinating {
			b.drop(msg.Epoch, api.DropReasonWrongRole)
			return nil
		}
	}

	switch msg.Kind {
	case api.MessageVoteRequest:
		m.deliverVoteRequest(next, ev, msg, b)
	case api.MessageVoteResponse:
		m.deliverVoteResponse(next, msg, b)
	case api.MessageCommit, api.MessageAbort:
		m.deliverDecision(next, msg, b)
	case api.MessageDecisionRequest:
		m.deliverDecisionRequest(next, msg, b)
	case api.MessageDecisionAck:
		m.deliverDecisionAck(next, msg, b)
	}
	return nil
}

func (m *Machine) deliverVoteRequest(next *Context, ev Event, msg *api.Envelope, b *actionBuilder) {
	switch {
	case next.State.Terminal() && msg.Epoch == next.Epoch:
		// The coordinator is retrying a resolved round; confirm receipt.
		b.send(msg.Sender, api.MessageDecisionAck, msg.Epoch, nil)

	case next.State == StateVoting && msg.Epoch == next.Epoch:
		b.drop(msg.Epoch, api.DropReasonDuplicate)

	case next.State == StateVoted && msg.Epoch == next.Epoch:
		// Our vote response was lost; repeat it.
		b.send(next.Coordinator, api.MessageVoteResponse, next.Epoch, func(out *api.Envelope) {
			out.Vote = *next.Vote
		})

	case msg.Epoch > next.LastCommitEpoch &&
		(next.State == StateWaitingForStart || next.State == StateWaitingForVoteRequest ||
			(next.State.Terminal() && msg.Epoch > next.Epoch)):
		// Join the round the coordinator opened, adopting its epoch. A
		// process that never saw the local start learns about the round here.
		announce := next.State != StateWaitingForVoteRequest
		b.dirty = true
		next.Epoch = msg.Epoch
		next.Coordinator = msg.Sender
		next.Value = append([]byte(nil), msg.Value...)
		next.State = StateVoting
		next.Vote = nil
		next.VoteDeadline = ev.CreatedAt.Add(m.timeouts.Vote)
		next.DecisionDeadline = time.Time{}
		next.DecisionRetries = 0
		next.Participants = nil
		if announce {
			b.notify(api.NotifyStartRequested, next.Epoch, next.Value, "")
		}
		b.notify(api.NotifyVoteRequestedParticipant, next.Epoch, next.Value, "")

	default:
		b.drop(msg.Epoch, api.DropReasonUnexpected)
	}
}

func (m *Machine) deliverVoteResponse(next *Context, msg *api.Envelope, b *actionBuilder) {
	switch {
	case msg.Epoch == next.Epoch && next.State.Terminal():
		// The participant never saw the broadcast; repeat the decision.
		m.resendDecision(next, msg.Sender, msg.Epoch, next.State == StateCommitted, b)

	case msg.Epoch == next.Epoch && (next.State == StateVoting || next.State == StateVoted):
		row := next.Participant(msg.Sender)
		if row == nil {
			b.drop(msg.Epoch, api.DropReasonUnknownSender)
			return
		}
		if row.Vote != nil && *row.Vote == msg.Vote {
			b.drop(msg.Epoch, api.DropReasonDuplicate)
			return
		}
		b.dirty = true
		vote := msg.Vote
		row.Vote = &vote
		if !vote {
			m.decideAbort(next, b)
			return
		}
		m.maybeDecide(next, b)

	case msg.Epoch < next.Epoch:
		b.drop(msg.Epoch, api.DropReasonDuplicate)

	default:
		b.drop(msg.Epoch, api.DropReasonUnexpected)
	}
}

func (m *Machine) deliverDecision(next *Context, msg *api.Envelope, b *actionBuilder) {
	commit := msg.Kind == api.MessageCommit
	switch {
	case msg.Epoch == next.Epoch && next.State.Terminal():
		// Duplicate broadcast; our ack was lost.
		b.send(msg.Sender, api.MessageDecisionAck, msg.Epoch, nil)

	case msg.Epoch == next.Epoch && next.State == StateVoted:
		b.dirty = true
		if commit {
			next.State = StateCommitted
			next.LastCommitEpoch = next.Epoch
		} else {
			next.State = StateAborted
		}
		next.Vote = nil
		next.DecisionDeadline = time.Time{}
		b.notify(decisionNotification(commit), next.Epoch, nil, "")
		b.send(msg.Sender, api.MessageDecisionAck, msg.Epoch, nil)

	case msg.Epoch == next.Epoch && next.State == StateVoting && !commit:
		// The coordinator aborted before our vote was cast.
		b.dirty = true
		next.State = StateAborted
		next.Vote = nil
		next.VoteDeadline = time.Time{}
		b.notify(api.NotifyAbort, next.Epoch, nil, "")
		b.send(msg.Sender, api.MessageDecisionAck, msg.Epoch, nil)

	case msg.Epoch < next.Epoch:
		b.drop(msg.Epoch, api.DropReasonDuplicate)

	default:
		// A commit for a round we never voted in cannot be trusted blindly;
		// the coordinator only commits after collecting every yes vote.
		b.drop(msg.Epoch, api.DropReasonUnexpected)
	}
}

func (m *Machine) deliverDecisionRequest(next *Context, msg *api.Envelope, b *actionBuilder) {
	switch {
	case msg.Epoch == next.Epoch && next.State.Terminal():
		m.resendDecision(next, msg.Sender, msg.Epoch, next.State == StateCommitted, b)

	case msg.Epoch == next.LastCommitEpoch:
		m.resendDecision(next, msg.Sender, msg.Epoch, true, b)

	case msg.Epoch < next.Epoch:
		// Any past epoch that is not the last committed one ended in abort.
		m.resendDecision(next, msg.Sender, msg.Epoch, false, b)

	case msg.Epoch == next.Epoch:
		b.drop(msg.Epoch, api.DropReasonUndecided)

	default:
		b.drop(msg.Epoch, api.DropReasonUnexpected)
	}
}

func (m *Machine) deliverDecisionAck(next *Context, msg *api.Envelope, b *actionBuilder) {
	if msg.Epoch != next.Epoch || !next.State.Terminal() {
		b.drop(msg.Epoch, api.DropReasonDuplicate)
		return
	}
	row := next.Participant(msg.Sender)
	if row == nil {
		b.drop(msg.Epoch, api.DropReasonUnknownSender)
		return
	}
	if !row.Acked {
		b.dirty = true
		row.Acked = true
	}
}

func (m *Machine) processAlarm(next *Context, ev Event, b *actionBuilder) {
	switch next.State {
	case StateVoting:
		if next.VoteDeadline.After(ev.CreatedAt) {
			return
		}
		// Vote still uncast at the deadline: the round cannot commit.
		b.dirty = true
		m.decideAbort(next, b)

	case StateVoted:
		if next.DecisionDeadline.After(ev.CreatedAt) {
			return
		}
		b.dirty = true
		if m.coordinating(next) {
			// Missing vote responses past the deadline; nothing has been
			// announced yet, so aborting is safe.
			m.decideAbort(next, b)
			return
		}
		// The coordinator may have crashed or the broadcast was lost. Ask
		// again and re-arm; a participant that voted yes must not abort
		// unilaterally.
		b.send(next.Coordinator, api.MessageDecisionRequest, next.Epoch, nil)
		next.DecisionDeadline = ev.CreatedAt.Add(m.timeouts.Decision)
		next.DecisionRetries++

	default:
		// Stale alarm from a round that already resolved.
	}
}

// maybeDecide commits or aborts once the coordinator has its own vote and one
// from every participant. A no vote decides immediately; callers handle that
// through decideAbort before reaching here.
func (m *Machine) maybeDecide(next *Context, b *actionBuilder) {
	if next.State != StateVoted {
		return
	}
	if next.Vote == nil || !*next.Vote {
		m.decideAbort(next, b)
		return
	}
	for _, p := range next.Participants {
		if p.Vote == nil {
			return
		}
		if !*p.Vote {
			m.decideAbort(next, b)
			return
		}
	}
	next.State = StateCommitted
	next.LastCommitEpoch = next.Epoch
	next.Vote = nil
	next.VoteDeadline = time.Time{}
	next.DecisionDeadline = time.Time{}
	for _, p := range next.Participants {
		b.send(p.Process, api.MessageCommit, next.Epoch, nil)
	}
	b.notify(api.NotifyCommit, next.Epoch, nil, "")
}

func (m *Machine) decideAbort(next *Context, b *actionBuilder) {
	b.dirty = true
	next.State = StateAborted
	next.Vote = nil
	next.VoteDeadline = time.Time{}
	next.DecisionDeadline = time.Time{}
	if m.coordinating(next) {
		for _, p := range next.Participants {
			b.send(p.Process, api.MessageAbort, next.Epoch, nil)
		}
	}
	b.notify(api.NotifyAbort, next.Epoch, nil, "")
}

func (m *Machine) resendDecision(next *Context, to string, epoch uint64, commit bool, b *actionBuilder) {
	kind := api.MessageAbort
	if commit {
		kind = api.MessageCommit
	}
	b.send(to, kind, epoch, nil)
}

func (m *Machine) coordinating(cx *Context) bool {
	return cx.Coordinator != "" && cx.Coordinator == m.self
}

func decisionNotification(commit bool) api.NotificationKind {
	if commit {
		return api.NotifyCommit
	}
	return api.NotifyAbort
}
