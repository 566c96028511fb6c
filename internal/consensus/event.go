package consensus

import (
	"time"

	"pkt.systems/circuitd/api"
)

// EventKind discriminates inbound stimuli.
type EventKind string

const (
	// EventStart is a local request to begin a round.
	EventStart EventKind = "start"
	// EventVote is the local service casting its vote.
	EventVote EventKind = "vote"
	// EventDeliver is an inbound protocol message from a peer.
	EventDeliver EventKind = "deliver"
	// EventAlarm is a previously armed timer firing. The firing time is the
	// event's CreatedAt; alarms carry no other payload.
	EventAlarm EventKind = "alarm"
)

// Start is the payload of an EventStart stimulus.
type Start struct {
	// Coordinator is the externally assigned coordinator for the round.
	Coordinator string `json:"coordinator"`
	// Participants lists every process in the round, coordinator included.
	Participants []string `json:"participants,omitempty"`
	// Value is the opaque value to agree on.
	Value []byte `json:"value,omitempty"`
}

// Vote is the payload of an EventVote stimulus.
type Vote struct {
	Commit bool `json:"commit"`
}

// Event is one immutable, ordered inbound stimulus. Seq is the log position
// within the context; ExecutedAt stays nil until the event is processed.
type Event struct {
	Seq        uint64        `json:"seq"`
	Kind       EventKind     `json:"kind"`
	CreatedAt  time.Time     `json:"created_at"`
	ExecutedAt *time.Time    `json:"executed_at,omitempty"`
	Start      *Start        `json:"start,omitempty"`
	Vote       *Vote         `json:"vote,omitempty"`
	Deliver    *api.Envelope `json:"deliver,omitempty"`
}
