package consensus

import (
	"time"

	"pkt.systems/circuitd/api"
)

// ActionKind discriminates outbound effects.
type ActionKind string

const (
	// ActionUpdateContext persists the new context snapshot. It is folded
	// into the store's atomic commit and is recorded as executed there.
	ActionUpdateContext ActionKind = "update_context"
	// ActionSendMessage hands a protocol message to the transport.
	ActionSendMessage ActionKind = "send_message"
	// ActionNotification delivers a callback to the hosting service.
	ActionNotification ActionKind = "notification"
)

// Send is the payload of an ActionSendMessage effect.
type Send struct {
	// To is the destination process identity.
	To string `json:"to"`
	// Message is the serialised protocol message.
	Message api.Envelope `json:"message"`
}

// Action is one immutable, ordered outbound effect computed while processing
// exactly one event. EventSeq references the producing event; ExecutedAt is
// set once dispatch to the external collaborator succeeds.
type Action struct {
	Seq        uint64            `json:"seq"`
	EventSeq   uint64            `json:"event_seq"`
	Kind       ActionKind        `json:"kind"`
	ExecutedAt *time.Time        `json:"executed_at,omitempty"`
	Context    *Context          `json:"context,omitempty"`
	Send       *Send             `json:"send,omitempty"`
	Notify     *api.Notification `json:"notify,omitempty"`
}
