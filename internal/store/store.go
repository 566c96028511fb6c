// Package store defines the durable log-and-snapshot interface backing the
// consensus driver. Per context it keeps an ordered event log, an ordered
// action log, and the current context snapshot. Commit is the only compound
// write and is atomic: the replacement snapshot, the executed-event marker and
// the freshly produced actions become visible together or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"pkt.systems/circuitd/internal/consensus"
)

var (
	// ErrNotFound indicates the requested context, event or action is missing.
	ErrNotFound = errors.New("store: not found")
	// ErrOutOfOrder indicates a commit referenced an event that is not the
	// oldest pending one. Events are processed strictly in log order.
	ErrOutOfOrder = errors.New("store: commit out of order")
	// ErrClosed indicates the store was closed.
	ErrClosed = errors.New("store: closed")
)

// Commit bundles the atomic result of processing one event: the replacement
// context snapshot, the sequence of the event that produced it, the actions
// to append, and the processing time recorded as the event's execution time.
// An update-context action is recorded as already executed because the
// snapshot write is its execution.
type Commit struct {
	Context  consensus.Context
	EventSeq uint64
	Actions  []consensus.Action
	At       time.Time
}

// Stats summarises the outstanding work for one context.
type Stats struct {
	// PendingEvents counts appended but unexecuted events.
	PendingEvents int
	// PendingActions counts committed but undispatched actions.
	PendingActions int
}

// Store is the persistence contract shared by all backends.
//
// A context springs into existence on its first AppendEvent; LoadContext on an
// unknown id returns ErrNotFound. Event and action sequences are assigned by
// the store, contiguous from 1, and never reused within a context.
type Store interface {
	// LoadContext returns the current snapshot for id.
	LoadContext(ctx context.Context, id consensus.ContextID) (consensus.Context, error)

	// ListContexts returns the ids of every persisted context.
	ListContexts(ctx context.Context) ([]consensus.ContextID, error)

	// AppendEvent durably appends ev to the context's event log, creating the
	// context if needed, and returns the event with its assigned sequence.
	AppendEvent(ctx context.Context, id consensus.ContextID, ev consensus.Event) (consensus.Event, error)

	// NextPendingEvent returns the oldest appended but unexecuted event, or
	// ErrNotFound when the log is fully executed.
	NextPendingEvent(ctx context.Context, id consensus.ContextID) (consensus.Event, error)

	// Commit atomically applies the result of processing one event. The
	// referenced event must be the oldest pending one or ErrOutOfOrder is
	// returned and nothing changes.
	Commit(ctx context.Context, id consensus.ContextID, c Commit) error

	// PendingActions returns the committed but undispatched actions in log
	// order.
	PendingActions(ctx context.Context, id consensus.ContextID) ([]consensus.Action, error)

	// MarkActionExecuted records that the action with the given sequence was
	// dispatched at the given time.
	MarkActionExecuted(ctx context.Context, id consensus.ContextID, seq uint64, at time.Time) error

	// Stats returns the pending work counters for id.
	Stats(ctx context.Context, id consensus.ContextID) (Stats, error)

	// Purge removes the context and all of its logs.
	Purge(ctx context.Context, id consensus.ContextID) error

	// Close releases backend resources. The store is unusable afterwards.
	Close() error
}
