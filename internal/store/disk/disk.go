// Package disk provides the durable store backend. Each context lives in its
// own directory with a CRC-framed event log, a CRC-framed action log and a
// snapshot file. The snapshot file is the commit point: it is replaced via
// temp-file rename and records the executed-event and committed-action
// high-water marks, so a crash between an action append and the snapshot
// write leaves an uncommitted log tail that recovery truncates.
package disk

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/store"
	"pkt.systems/circuitd/internal/svcfields"
)

const (
	eventsLogName   = "events.log"
	actionsLogName  = "actions.log"
	snapshotName    = "context.json"
	snapshotTmpName = "context.json.tmp"
	dirPerm         = 0o755
	filePerm        = 0o644
)

// snapshot is the persisted commit point for one context.
type snapshot struct {
	Context        consensus.Context `json:"context"`
	ExecutedEvents uint64            `json:"executed_events"`
	LastAction     uint64            `json:"last_action"`
}

// executedMark is the payload of a recordActionExecuted record.
type executedMark struct {
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
}

type contextState struct {
	id             consensus.ContextID
	dir            string
	snapshot       consensus.Context
	executedEvents uint64
	eventSeq       uint64
	actionSeq      uint64
	pendingEvents  []consensus.Event
	pendingActions []consensus.Action
	eventsF        *os.File
	actionsF       *os.File
}

// Config configures the disk store.
type Config struct {
	// Dir is the root directory; it is created when missing.
	Dir string
	// Logger receives recovery and corruption reports. Defaults to noop.
	Logger pslog.Logger
}

// Store is the on-disk store.Store implementation.
type Store struct {
	dir    string
	logger pslog.Logger

	mu       sync.Mutex
	contexts map[consensus.ContextID]*contextState
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a disk store rooted at cfg.Dir and recovers every
// persisted context, truncating torn log tails.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("disk: directory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "store.disk")
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	s := &Store{
		dir:      cfg.Dir,
		logger:   logger,
		contexts: make(map[consensus.ContextID]*contextState),
	}
	if err := s.recover(); err != nil {
		s.closeLocked()
		return nil, err
	}
	return s, nil
}

func contextDirName(id consensus.ContextID) string {
	return hex.EncodeToString([]byte(id.Circuit)) + "-" + hex.EncodeToString([]byte(id.Service))
}

func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("disk: scan root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.openContextDir(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		s.contexts[st.id] = st
		s.logger.Debug("recovered context",
			"context", st.id.String(),
			"state", string(st.snapshot.State),
			"pending_events", len(st.pendingEvents),
			"pending_actions", len(st.pendingActions))
	}
	return nil
}

// openContextDir loads one context directory: snapshot first, then both logs,
// truncating any tail the snapshot does not cover.
func (s *Store) openContextDir(dir string) (*contextState, error) {
	var snap snapshot
	raw, err := os.ReadFile(filepath.Join(dir, snapshotName))
	if err != nil {
		return nil, fmt.Errorf("disk: read snapshot in %s: %w", dir, err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("disk: decode snapshot in %s: %w", dir, err)
	}
	st := &contextState{
		id:             snap.Context.ID,
		dir:            dir,
		snapshot:       snap.Context,
		executedEvents: snap.ExecutedEvents,
		eventSeq:       snap.ExecutedEvents,
		actionSeq:      snap.LastAction,
	}

	executed := make(map[uint64]time.Time)
	if err := s.loadEvents(st); err != nil {
		return nil, err
	}
	if err := s.loadActions(st, executed); err != nil {
		return nil, err
	}
	// Resolve executed marks against the loaded pending actions.
	if len(executed) > 0 {
		kept := st.pendingActions[:0]
		for _, a := range st.pendingActions {
			if _, ok := executed[a.Seq]; ok {
				continue
			}
			kept = append(kept, a)
		}
		st.pendingActions = kept
	}
	return st, nil
}

func (s *Store) loadEvents(st *contextState) error {
	path := filepath.Join(st.dir, eventsLogName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", path, err)
	}
	goodEnd, damaged, err := scanLog(f, func(recType recordType, payload []byte) error {
		if recType != recordEvent {
			return fmt.Errorf("unexpected record type %d in event log", recType)
		}
		var ev consensus.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return err
		}
		if ev.Seq > st.eventSeq {
			st.eventSeq = ev.Seq
		}
		if ev.Seq > st.executedEvents {
			st.pendingEvents = append(st.pendingEvents, ev)
		}
		return nil
	})
	if err != nil {
		f.Close()
		return err
	}
	if damaged {
		s.logger.Warn("truncating torn event log tail", "path", path, "offset", goodEnd)
		if err := truncateAndSync(f, goodEnd); err != nil {
			f.Close()
			return fmt.Errorf("disk: truncate %s: %w", path, err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("disk: seek %s: %w", path, err)
	}
	st.eventsF = f
	return nil
}

func (s *Store) loadActions(st *contextState, executed map[uint64]time.Time) error {
	path := filepath.Join(st.dir, actionsLogName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return fmt.Errorf("disk: open %s: %w", path, err)
	}
	var (
		uncommittedAt int64 = -1
		off           int64
	)
	goodEnd, damaged, err := scanLog(f, func(recType recordType, payload []byte) error {
		recStart := off
		switch recType {
		case recordAction:
			var a consensus.Action
			if err := json.Unmarshal(payload, &a); err != nil {
				return err
			}
			if a.Seq > st.actionSeq && uncommittedAt < 0 {
				// First record past the committed high-water mark: the
				// snapshot for its commit never landed.
				uncommittedAt = recStart
			}
			if uncommittedAt < 0 && a.ExecutedAt == nil {
				st.pendingActions = append(st.pendingActions, a)
			}
		case recordActionExecuted:
			var mark executedMark
			if err := json.Unmarshal(payload, &mark); err != nil {
				return err
			}
			if uncommittedAt < 0 {
				executed[mark.Seq] = mark.At
			}
		default:
			return fmt.Errorf("unexpected record type %d in action log", recType)
		}
		off += int64(headerSize) + int64(len(payload))
		return nil
	})
	if err != nil {
		f.Close()
		return err
	}
	end := goodEnd
	if uncommittedAt >= 0 && uncommittedAt < end {
		end = uncommittedAt
		damaged = true
	}
	if damaged {
		s.logger.Warn("truncating uncommitted action log tail", "path", path, "offset", end)
		if err := truncateAndSync(f, end); err != nil {
			f.Close()
			return fmt.Errorf("disk: truncate %s: %w", path, err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("disk: seek %s: %w", path, err)
	}
	st.actionsF = f
	return nil
}

func truncateAndSync(f *os.File, n int64) error {
	if err := f.Truncate(n); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) state(id consensus.ContextID) (*contextState, error) {
	if s.closed {
		return nil, store.ErrClosed
	}
	st, ok := s.contexts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

// createContext materialises the directory, logs and initial snapshot for a
// context that is receiving its first event.
func (s *Store) createContext(id consensus.ContextID) (*contextState, error) {
	dir := filepath.Join(s.dir, contextDirName(id))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("disk: create context dir: %w", err)
	}
	st := &contextState{id: id, dir: dir, snapshot: consensus.NewContext(id)}
	if err := s.writeSnapshot(st); err != nil {
		return nil, err
	}
	var err error
	st.eventsF, err = os.OpenFile(filepath.Join(dir, eventsLogName), os.O_RDWR|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("disk: open event log: %w", err)
	}
	st.actionsF, err = os.OpenFile(filepath.Join(dir, actionsLogName), os.O_RDWR|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		st.eventsF.Close()
		return nil, fmt.Errorf("disk: open action log: %w", err)
	}
	s.contexts[id] = st
	return st, nil
}

// writeSnapshot atomically replaces the snapshot file.
func (s *Store) writeSnapshot(st *contextState) error {
	snap := snapshot{
		Context:        st.snapshot,
		ExecutedEvents: st.executedEvents,
		LastAction:     st.actionSeq,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("disk: encode snapshot: %w", err)
	}
	tmp := filepath.Join(st.dir, snapshotTmpName)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("disk: create snapshot temp: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("disk: write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("disk: sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("disk: close snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(st.dir, snapshotName)); err != nil {
		return fmt.Errorf("disk: publish snapshot: %w", err)
	}
	return syncDir(st.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// Some filesystems refuse directory fsync; the rename is still ordered.
	_ = d.Sync()
	return nil
}

func appendRecord(f *os.File, recType recordType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("disk: encode record: %w", err)
	}
	if _, err := f.Write(encodeRecord(recType, raw)); err != nil {
		return fmt.Errorf("disk: append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("disk: sync log: %w", err)
	}
	return nil
}

// LoadContext implements store.Store.
func (s *Store) LoadContext(_ context.Context, id consensus.ContextID) (consensus.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return consensus.Context{}, err
	}
	return st.snapshot.Clone(), nil
}

// ListContexts implements store.Store.
func (s *Store) ListContexts(_ context.Context) ([]consensus.ContextID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	st, ok := s.contexts[id]
	if !ok {
		var err error
		st, err = s.createContext(id)
		if err != nil {
			return consensus.Event{}, err
		}
	}
	ev.Seq = st.eventSeq + 1
	ev.ExecutedAt = nil
	if err := appendRecord(st.eventsF, recordEvent, ev); err != nil {
		return consensus.Event{}, err
	}
	st.eventSeq = ev.Seq
	st.pendingEvents = append(st.pendingEvents, ev)
	return ev, nil
}

// NextPendingEvent implements store.Store.
func (s *Store) NextPendingEvent(_ context.Context, id consensus.ContextID) (consensus.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return consensus.Event{}, err
	}
	if len(st.pendingEvents) == 0 {
		return consensus.Event{}, store.ErrNotFound
	}
	return st.pendingEvents[0], nil
}

// Commit implements store.Store.
func (s *Store) Commit(_ context.Context, id consensus.ContextID, c store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return err
	}
	if len(st.pendingEvents) == 0 || st.pendingEvents[0].Seq != c.EventSeq {
		return store.ErrOutOfOrder
	}

	// Stage the actions in the log first; the snapshot rename below is the
	// commit point that makes them (and the executed-event mark) visible.
	staged := make([]consensus.Action, 0, len(c.Actions))
	seq := st.actionSeq
	for _, a := range c.Actions {
		seq++
		a.Seq = seq
		a.EventSeq = c.EventSeq
		a.ExecutedAt = nil
		if a.Kind == consensus.ActionUpdateContext {
			at := c.At
			a.ExecutedAt = &at
		}
		if err := appendRecord(st.actionsF, recordAction, a); err != nil {
			return err
		}
		staged = append(staged, a)
	}

	prevSnapshot := st.snapshot
	prevExecuted := st.executedEvents
	prevActionSeq := st.actionSeq
	st.snapshot = c.Context.Clone()
	st.executedEvents = c.EventSeq
	st.actionSeq = seq
	if err := s.writeSnapshot(st); err != nil {
		st.snapshot = prevSnapshot
		st.executedEvents = prevExecuted
		st.actionSeq = prevActionSeq
		return err
	}

	st.pendingEvents = st.pendingEvents[1:]
	for _, a := range staged {
		if a.ExecutedAt == nil {
			st.pendingActions = append(st.pendingActions, a)
		}
	}
	return nil
}

// PendingActions implements store.Store.
func (s *Store) PendingActions(_ context.Context, id consensus.ContextID) ([]consensus.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	if len(st.pendingActions) == 0 {
		return nil, nil
	}
	out := make([]consensus.Action, len(st.pendingActions))
	copy(out, st.pendingActions)
	return out, nil
}

// MarkActionExecuted implements store.Store.
func (s *Store) MarkActionExecuted(_ context.Context, id consensus.ContextID, seq uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return err
	}
	idx := -1
	for i, a := range st.pendingActions {
		if a.Seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		if seq <= st.actionSeq {
			// Already marked; dispatch is at-least-once.
			return nil
		}
		return store.ErrNotFound
	}
	if err := appendRecord(st.actionsF, recordActionExecuted, executedMark{Seq: seq, At: at}); err != nil {
		return err
	}
	st.pendingActions = append(st.pendingActions[:idx], st.pendingActions[idx+1:]...)
	return nil
}

// Stats implements store.Store.
func (s *Store) Stats(_ context.Context, id consensus.ContextID) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.state(id)
	if err != nil {
		return store.Stats{}, err
	}
	return store.Stats{
		PendingEvents:  len(st.pendingEvents),
		PendingActions: len(st.pendingActions),
	}, nil
}

// Purge implements store.Store.
func (s *Store) Purge(_ context.Context, id consensus.ContextID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	st, ok := s.contexts[id]
	if !ok {
		return nil
	}
	st.eventsF.Close()
	st.actionsF.Close()
	delete(s.contexts, id)
	if err := os.RemoveAll(st.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: purge context: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Store) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for _, st := range s.contexts {
		if st.eventsF != nil {
			st.eventsF.Close()
		}
		if st.actionsF != nil {
			st.actionsF.Close()
		}
	}
	s.contexts = nil
}
