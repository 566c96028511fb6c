// Package api defines the wire-level types exchanged between circuitd
// processes and between circuitd and its hosting service. Every tagged value
// uses a single stable string discriminator; the encoding is JSON throughout.
package api

// MessageKind discriminates protocol messages exchanged between processes.
type MessageKind string

const (
	// MessageVoteRequest solicits a vote for a proposed value (coordinator to participant).
	MessageVoteRequest MessageKind = "vote_request"
	// MessageVoteResponse carries a participant's vote back to the coordinator.
	MessageVoteResponse MessageKind = "vote_response"
	// MessageCommit announces the commit decision for an epoch.
	MessageCommit MessageKind = "commit"
	// MessageAbort announces the abort decision for an epoch.
	MessageAbort MessageKind = "abort"
	// MessageDecisionRequest asks the coordinator to re-announce a decision.
	MessageDecisionRequest MessageKind = "decision_request"
	// MessageDecisionAck confirms a participant received the final decision.
	MessageDecisionAck MessageKind = "decision_ack"
)

// Valid reports whether the kind is a known protocol message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageVoteRequest, MessageVoteResponse, MessageCommit, MessageAbort,
		MessageDecisionRequest, MessageDecisionAck:
		return true
	}
	return false
}

// Envelope is one protocol message on the wire. Circuit and Service route the
// message to the consensus context on the receiving process; Epoch scopes it
// to one round.
type Envelope struct {
	// Kind discriminates the message payload.
	Kind MessageKind `json:"kind"`
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// Sender is the process identity of the originating node.
	Sender string `json:"sender"`
	// Epoch is the round counter the message belongs to.
	Epoch uint64 `json:"epoch"`
	// Value carries the proposed value (vote_request only).
	Value []byte `json:"value,omitempty"`
	// Vote carries the cast vote (vote_response only).
	Vote bool `json:"vote,omitempty"`
}

// NotificationKind discriminates callbacks delivered to the hosting service.
type NotificationKind string

const (
	// NotifyStartRequested tells the hosting service a remote coordinator
	// opened a round this process had not started locally.
	NotifyStartRequested NotificationKind = "start_requested"
	// NotifyVoteRequestedCoordinator asks the hosting service to cast the
	// coordinator's own vote for the round it just opened.
	NotifyVoteRequestedCoordinator NotificationKind = "vote_requested_coordinator"
	// NotifyVoteRequestedParticipant asks the hosting service to vote on a
	// value proposed by a remote coordinator.
	NotifyVoteRequestedParticipant NotificationKind = "vote_requested_participant"
	// NotifyCommit announces the round committed.
	NotifyCommit NotificationKind = "commit"
	// NotifyAbort announces the round aborted.
	NotifyAbort NotificationKind = "abort"
	// NotifyMessageDropped reports an inbound message discarded without a
	// state change, with the drop reason attached.
	NotifyMessageDropped NotificationKind = "message_dropped"
	// NotifyContextFailed reports an unrecoverable invariant violation; the
	// affected context stops making progress until purged.
	NotifyContextFailed NotificationKind = "context_failed"
)

// Drop reasons attached to NotifyMessageDropped notifications.
const (
	// DropReasonStaleEpoch marks messages referencing an epoch older than the
	// last committed one.
	DropReasonStaleEpoch = "stale_epoch"
	// DropReasonWrongRole marks coordinator-only messages received by a
	// participant, or vice versa.
	DropReasonWrongRole = "wrong_role"
	// DropReasonUnexpected marks messages that are valid protocol traffic but
	// arrive in a state that has no transition for them.
	DropReasonUnexpected = "unexpected"
	// DropReasonDuplicate marks redeliveries that require no reply.
	DropReasonDuplicate = "duplicate"
	// DropReasonUndecided marks decision requests for a round still in flight.
	DropReasonUndecided = "undecided"
	// DropReasonUnknownSender marks votes from processes outside the round's
	// participant set.
	DropReasonUnknownSender = "unknown_sender"
	// DropReasonRoundActive marks local start requests while a round is in flight.
	DropReasonRoundActive = "round_active"
)

// Notification is one callback payload handed to the hosting service.
type Notification struct {
	// DeliveryID uniquely tags one delivery attempt. Redeliveries of the same
	// notification carry fresh IDs, so consumers can log duplicates apart.
	DeliveryID string `json:"delivery_id,omitempty"`
	// Kind discriminates the notification.
	Kind NotificationKind `json:"kind"`
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// Epoch is the round the notification refers to.
	Epoch uint64 `json:"epoch"`
	// Value carries the proposed value for vote requests.
	Value []byte `json:"value,omitempty"`
	// Reason carries the drop or failure reason when applicable.
	Reason string `json:"reason,omitempty"`
}

// StartRoundRequest models POST /v1/round/start.
type StartRoundRequest struct {
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// Coordinator is the process assigned to coordinate this round.
	Coordinator string `json:"coordinator"`
	// Participants lists every process in the round, coordinator included.
	Participants []string `json:"participants"`
	// Value is the opaque value the round decides on.
	Value []byte `json:"value,omitempty"`
}

// CastVoteRequest models POST /v1/round/vote.
type CastVoteRequest struct {
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// Commit is this process's vote for the round in flight.
	Commit bool `json:"commit"`
}

// RoundResponse acknowledges a round-control request.
type RoundResponse struct {
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// Accepted reports whether the stimulus was durably recorded.
	Accepted bool `json:"accepted"`
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	// ErrorCode is a stable machine-readable error identifier.
	ErrorCode string `json:"error_code"`
	// Detail is a human-readable elaboration of the error.
	Detail string `json:"detail,omitempty"`
}

// ContextStatus describes one consensus context for the status surface.
type ContextStatus struct {
	// Circuit identifies the private multi-party network.
	Circuit string `json:"circuit"`
	// Service identifies the replicated service instance within the circuit.
	Service string `json:"service"`
	// State is the current protocol state.
	State string `json:"state"`
	// Epoch is the current round counter.
	Epoch uint64 `json:"epoch"`
	// LastCommitEpoch is the most recently committed round, zero when none.
	LastCommitEpoch uint64 `json:"last_commit_epoch,omitempty"`
	// Coordinator is the process coordinating the current epoch.
	Coordinator string `json:"coordinator,omitempty"`
	// PendingEvents counts appended but unexecuted events.
	PendingEvents int `json:"pending_events"`
	// PendingActions counts produced but undispatched actions.
	PendingActions int `json:"pending_actions"`
	// DeadlineUnix is the nearest armed protocol deadline, zero when idle.
	DeadlineUnix int64 `json:"deadline_unix,omitempty"`
	// Stalled reports a deadline far in the past with no progress, which
	// indicates the driver has stopped servicing the context.
	Stalled bool `json:"stalled,omitempty"`
	// Failed reports the context was stopped by an invariant violation.
	Failed bool `json:"failed,omitempty"`
}

// StatusResponse models GET /v1/status.
type StatusResponse struct {
	// Self is the local process identity.
	Self string `json:"self"`
	// Contexts lists every persisted consensus context.
	Contexts []ContextStatus `json:"contexts"`
}

// HealthResponse models GET /healthz.
type HealthResponse struct {
	// Status is "ok" while the server accepts stimuli.
	Status string `json:"status"`
}
