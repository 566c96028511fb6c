// Package memory provides the in-memory store backend. It exists for tests
// and for ephemeral deployments that accept losing consensus state on
// restart; the semantics mirror the disk backend exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/store"
)

type contextRecord struct {
	snapshot consensus.Context
	events   []consensus.Event
	actions  []consensus.Action
	eventSeq uint64
	// executedEvents is the high-water mark of executed event sequences.
	executedEvents uint64
	actionSeq      uint64
}

// Store is an in-memory store.Store implementation.
type Store struct {
	mu       sync.RWMutex
	contexts map[consensus.ContextID]*contextRecord
	closed   bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{contexts: make(map[consensus.ContextID]*contextRecord)}
}

var _ store.Store = (*Store)(nil)

func (s *Store) record(id consensus.ContextID) (*contextRecord, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	rec, ok := s.contexts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// LoadContext implements store.Store.
func (s *Store) LoadContext(_ context.Context, id consensus.ContextID) (consensus.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return consensus.Context{}, err
	}
	return rec.snapshot.Clone(), nil
}

// ListContexts implements store.Store.
func (s *Store) ListContexts(_ context.Context) ([]consensus.ContextID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	ids := make([]consensus.ContextID, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Circuit != ids[j].Circuit {
			return ids[i].Circuit < ids[j].Circuit
		}
		return ids[i].Service < ids[j].Service
	})
	return ids, nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(_ context.Context, id consensus.ContextID, ev consensus.Event) (consensus.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return consensus.Event{}, store.ErrClosed
	}
	rec, ok := s.contexts[id]
	if !ok {
		rec = &contextRecord{snapshot: consensus.NewContext(id)}
		s.contexts[id] = rec
	}
	rec.eventSeq++
	ev.Seq = rec.eventSeq
	ev.ExecutedAt = nil
	rec.events = append(rec.events, cloneEvent(ev))
	return ev, nil
}

// NextPendingEvent implements store.Store.
func (s *Store) NextPendingEvent(_ context.Context, id consensus.ContextID) (consensus.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return consensus.Event{}, err
	}
	for _, ev := range rec.events {
		if ev.Seq > rec.executedEvents {
			return cloneEvent(ev), nil
		}
	}
	return consensus.Event{}, store.ErrNotFound
}

// Commit implements store.Store.
func (s *Store) Commit(_ context.Context, id consensus.ContextID, c store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(id)
	if err != nil {
		return err
	}
	if c.EventSeq != rec.executedEvents+1 || c.EventSeq > rec.eventSeq {
		return store.ErrOutOfOrder
	}

	rec.snapshot = c.Context.Clone()
	rec.executedEvents = c.EventSeq
	for i := range rec.events {
		if rec.events[i].Seq == c.EventSeq {
			at := c.At
			rec.events[i].ExecutedAt = &at
			break
		}
	}
	for _, a := range c.Actions {
		rec.actionSeq++
		a.Seq = rec.actionSeq
		a.ExecutedAt = nil
		if a.Kind == consensus.ActionUpdateContext {
			at := c.At
			a.ExecutedAt = &at
		}
		rec.actions = append(rec.actions, cloneAction(a))
	}
	return nil
}

// PendingActions implements store.Store.
func (s *Store) PendingActions(_ context.Context, id consensus.ContextID) ([]consensus.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	var out []consensus.Action
	for _, a := range rec.actions {
		if a.ExecutedAt == nil {
			out = append(out, cloneAction(a))
		}
	}
	return out, nil
}

// MarkActionExecuted implements store.Store.
func (s *Store) MarkActionExecuted(_ context.Context, id consensus.ContextID, seq uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.record(id)
	if err != nil {
		return err
	}
	for i := range rec.actions {
		if rec.actions[i].Seq == seq {
			if rec.actions[i].ExecutedAt == nil {
				rec.actions[i].ExecutedAt = &at
			}
			return nil
		}
	}
	return store.ErrNotFound
}

// Stats implements store.Store.
func (s *Store) Stats(_ context.Context, id consensus.ContextID) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.record(id)
	if err != nil {
		return store.Stats{}, err
	}
	var st store.Stats
	for _, ev := range rec.events {
		if ev.Seq > rec.executedEvents {
			st.PendingEvents++
		}
	}
	for _, a := range rec.actions {
		if a.ExecutedAt == nil {
			st.PendingActions++
		}
	}
	return st, nil
}

// Purge implements store.Store.
func (s *Store) Purge(_ context.Context, id consensus.ContextID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.contexts, id)
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.contexts = nil
	return nil
}

func cloneEvent(ev consensus.Event) consensus.Event {
	out := ev
	if ev.ExecutedAt != nil {
		at := *ev.ExecutedAt
		out.ExecutedAt = &at
	}
	if ev.Start != nil {
		st := *ev.Start
		st.Participants = append([]string(nil), ev.Start.Participants...)
		st.Value = append([]byte(nil), ev.Start.Value...)
		out.Start = &st
	}
	if ev.Vote != nil {
		v := *ev.Vote
		out.Vote = &v
	}
	if ev.Deliver != nil {
		msg := *ev.Deliver
		msg.Value = append([]byte(nil), ev.Deliver.Value...)
		out.Deliver = &msg
	}
	return out
}

func cloneAction(a consensus.Action) consensus.Action {
	out := a
	if a.ExecutedAt != nil {
		at := *a.ExecutedAt
		out.ExecutedAt = &at
	}
	if a.Context != nil {
		cx := a.Context.Clone()
		out.Context = &cx
	}
	if a.Send != nil {
		send := *a.Send
		send.Message.Value = append([]byte(nil), a.Send.Message.Value...)
		out.Send = &send
	}
	if a.Notify != nil {
		n := *a.Notify
		n.Value = append([]byte(nil), a.Notify.Value...)
		out.Notify = &n
	}
	return out
}
