// Package driver runs the consensus protocol against a store. It owns one
// goroutine per context so events for a context are processed strictly
// serially, synthesises alarm events when persisted deadlines elapse, and
// dispatches committed actions in order, at least once.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/clock"
	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/store"
	"pkt.systems/circuitd/internal/svcfields"
)

var (
	// ErrClosed indicates the driver was closed.
	ErrClosed = errors.New("driver: closed")
	// ErrInvalidRequest tags stimuli rejected before they reach the log.
	ErrInvalidRequest = errors.New("driver: invalid request")
)

// Sender delivers protocol messages to remote processes.
type Sender interface {
	Send(ctx context.Context, to string, msg api.Envelope) error
}

// Notifier delivers callbacks to the hosting service.
type Notifier interface {
	Notify(ctx context.Context, n api.Notification) error
}

// Defaults applied by Config.normalize.
const (
	DefaultDispatchAttempts = 5
	DefaultRetryBaseDelay   = 50 * time.Millisecond
	DefaultRetryMaxDelay    = 5 * time.Second
	DefaultStalledAfter     = 5 * time.Minute
)

// Config configures a Driver.
type Config struct {
	// Self is the local process identity.
	Self string
	// Store persists contexts, events and actions.
	Store store.Store
	// Sender transports protocol messages. Required.
	Sender Sender
	// Notifier receives service callbacks. Required.
	Notifier Notifier
	// Timeouts are the protocol timer durations. Zero fields use defaults.
	Timeouts consensus.Timeouts
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to noop.
	Logger pslog.Logger

	// DispatchAttempts bounds one dispatch burst per action; the action stays
	// pending and is retried on the next pass, so delivery remains
	// at-least-once.
	DispatchAttempts int
	// RetryBaseDelay is the initial backoff delay for commit and dispatch
	// retries; it doubles up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// StalledAfter is how far past its deadline a context may sit before the
	// status surface reports it stalled.
	StalledAfter time.Duration
}

func (cfg Config) normalize() (Config, error) {
	if cfg.Self == "" {
		return cfg, errors.New("driver: self identity required")
	}
	if cfg.Store == nil {
		return cfg, errors.New("driver: store required")
	}
	if cfg.Sender == nil {
		return cfg, errors.New("driver: sender required")
	}
	if cfg.Notifier == nil {
		return cfg, errors.New("driver: notifier required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.DispatchAttempts <= 0 {
		cfg.DispatchAttempts = DefaultDispatchAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = DefaultStalledAfter
	}
	return cfg, nil
}

type runner struct {
	id   consensus.ContextID
	wake chan struct{}
	stop chan struct{}
	// failed is guarded by the driver mutex; the runner goroutine sets it and
	// the status surface reads it.
	failed bool
}

// Driver orchestrates event ingestion, processing and action dispatch.
type Driver struct {
	self     string
	store    store.Store
	sender   Sender
	notifier Notifier
	machine  *consensus.Machine
	clk      clock.Clock
	logger   pslog.Logger
	metrics  *driverMetrics

	dispatchAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	stalledAfter     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runners map[consensus.ContextID]*runner
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Driver. Call Resume to pick up persisted contexts.
func New(cfg Config) (*Driver, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "driver")
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		self:             cfg.Self,
		store:            cfg.Store,
		sender:           cfg.Sender,
		notifier:         cfg.Notifier,
		machine:          consensus.NewMachine(cfg.Self, cfg.Timeouts),
		clk:              cfg.Clock,
		logger:           logger,
		metrics:          newDriverMetrics(logger),
		dispatchAttempts: cfg.DispatchAttempts,
		retryBaseDelay:   cfg.RetryBaseDelay,
		retryMaxDelay:    cfg.RetryMaxDelay,
		stalledAfter:     cfg.StalledAfter,
		ctx:              ctx,
		cancel:           cancel,
		runners:          make(map[consensus.ContextID]*runner),
	}, nil
}

// Self returns the local process identity.
func (d *Driver) Self() string { return d.self }

// Resume starts a runner for every persisted context. Runners immediately
// re-dispatch unexecuted actions, process unexecuted events and re-arm alarms
// from persisted deadlines, which is the whole crash-recovery story.
func (d *Driver) Resume(ctx context.Context) error {
	ids, err := d.store.ListContexts(ctx)
	if err != nil {
		return fmt.Errorf("driver: list contexts: %w", err)
	}
	for _, id := range ids {
		if _, err := d.ensureRunner(id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		d.logger.Info("driver.resume", "contexts", len(ids))
	}
	return nil
}

// StartRound appends a start event for the context named by req.
func (d *Driver) StartRound(ctx context.Context, req api.StartRoundRequest) error {
	if req.Circuit == "" || req.Service == "" {
		return fmt.Errorf("%w: circuit and service required", ErrInvalidRequest)
	}
	if req.Coordinator == "" {
		return fmt.Errorf("%w: coordinator required", ErrInvalidRequest)
	}
	id := consensus.ContextID{Circuit: req.Circuit, Service: req.Service}
	return d.submit(ctx, id, consensus.Event{
		Kind:      consensus.EventStart,
		CreatedAt: d.clk.Now(),
		Start: &consensus.Start{
			Coordinator:  req.Coordinator,
			Participants: req.Participants,
			Value:        req.Value,
		},
	})
}

// CastVote appends the local service's vote for the round in flight.
func (d *Driver) CastVote(ctx context.Context, req api.CastVoteRequest) error {
	if req.Circuit == "" || req.Service == "" {
		return fmt.Errorf("%w: circuit and service required", ErrInvalidRequest)
	}
	id := consensus.ContextID{Circuit: req.Circuit, Service: req.Service}
	return d.submit(ctx, id, consensus.Event{
		Kind:      consensus.EventVote,
		CreatedAt: d.clk.Now(),
		Vote:      &consensus.Vote{Commit: req.Commit},
	})
}

// Deliver appends an inbound protocol message.
func (d *Driver) Deliver(ctx context.Context, msg api.Envelope) error {
	if msg.Circuit == "" || msg.Service == "" {
		return fmt.Errorf("%w: circuit and service required", ErrInvalidRequest)
	}
	if msg.Sender == "" {
		return fmt.Errorf("%w: sender required", ErrInvalidRequest)
	}
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: unknown message kind %q", ErrInvalidRequest, msg.Kind)
	}
	id := consensus.ContextID{Circuit: msg.Circuit, Service: msg.Service}
	return d.submit(ctx, id, consensus.Event{
		Kind:      consensus.EventDeliver,
		CreatedAt: d.clk.Now(),
		Deliver:   &msg,
	})
}

func (d *Driver) submit(ctx context.Context, id consensus.ContextID, ev consensus.Event) error {
	r, err := d.ensureRunner(id)
	if err != nil {
		return err
	}
	if _, err := d.store.AppendEvent(ctx, id, ev); err != nil {
		return fmt.Errorf("driver: append event: %w", err)
	}
	wakeRunner(r)
	return nil
}

func (d *Driver) ensureRunner(id consensus.ContextID) (*runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if r, ok := d.runners[id]; ok {
		return r, nil
	}
	r := &runner{
		id:   id,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	d.runners[id] = r
	d.wg.Add(1)
	go d.run(r)
	wakeRunner(r)
	return r, nil
}

func wakeRunner(r *runner) {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// run is the per-context loop: drain events, dispatch actions, fire alarms,
// sleep until the next deadline or stimulus.
func (d *Driver) run(r *runner) {
	defer d.wg.Done()
	logger := d.logger.With("context", r.id.String())
	for {
		wait, ok := d.service(d.ctx, r, logger)
		if !ok {
			return
		}
		var timer <-chan time.Time
		if wait > 0 {
			timer = d.clk.After(wait)
		}
		select {
		case <-d.ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.wake:
		case <-timer:
		}
	}
}

// service makes one pass over the context's outstanding work. It returns the
// duration to sleep before the next pass (0 means wait for a stimulus) and
// false when the runner should exit.
func (d *Driver) service(ctx context.Context, r *runner, logger pslog.Logger) (time.Duration, bool) {
	if d.isFailed(r) {
		return 0, ctx.Err() == nil
	}
	// Actions of one event must be dispatched before the next event is
	// processed, so each turn drains the action backlog first.
	for {
		if ctx.Err() != nil {
			return 0, false
		}
		if wait, ok := d.dispatchActions(ctx, r, logger); !ok || wait > 0 {
			return wait, ok
		}
		ev, err := d.store.NextPendingEvent(ctx, r.id)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if errors.Is(err, store.ErrClosed) {
			return 0, false
		}
		if err != nil {
			logger.Error("driver.event.load_failed", "error", err)
			return d.retryBaseDelay, true
		}
		if !d.processEvent(ctx, r, ev, logger) {
			return 0, ctx.Err() == nil
		}
	}

	return d.checkDeadline(ctx, r, logger)
}

// processEvent runs one event through the machine and commits the result.
// It returns false when processing must stop (context failed or driver
// shutting down).
func (d *Driver) processEvent(ctx context.Context, r *runner, ev consensus.Event, logger pslog.Logger) bool {
	cx, err := d.store.LoadContext(ctx, r.id)
	if err != nil {
		if errors.Is(err, store.ErrClosed) || ctx.Err() != nil {
			return false
		}
		logger.Error("driver.context.load_failed", "error", err)
		return d.sleep(ctx, d.retryBaseDelay)
	}
	started := d.clk.Now()
	next, actions, err := d.machine.Process(cx, ev)
	if err != nil {
		d.failContext(ctx, r, err, logger)
		return false
	}

	commit := store.Commit{Context: next, EventSeq: ev.Seq, Actions: actions, At: d.clk.Now()}
	delay := d.retryBaseDelay
	for {
		err := d.store.Commit(ctx, r.id, commit)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrClosed) || ctx.Err() != nil {
			return false
		}
		// The commit is mandatory; back off and retry until it lands.
		d.metrics.recordCommitRetry(ctx)
		logger.Warn("driver.commit.retry", "event_seq", ev.Seq, "error", err)
		if !d.sleep(ctx, delay) {
			return false
		}
		delay = nextDelay(delay, d.retryMaxDelay)
	}

	d.metrics.recordEvent(ctx, ev.Kind, d.clk.Now().Sub(started))
	logger.Debug("driver.event.processed",
		"event_seq", ev.Seq,
		"kind", string(ev.Kind),
		"state", string(next.State),
		"epoch", next.Epoch,
		"actions", len(actions))
	return true
}

// dispatchActions delivers committed actions in log order. A persistent
// failure leaves the action pending and returns a backoff wait so ordering is
// preserved.
func (d *Driver) dispatchActions(ctx context.Context, r *runner, logger pslog.Logger) (time.Duration, bool) {
	pending, err := d.store.PendingActions(ctx, r.id)
	if errors.Is(err, store.ErrClosed) {
		return 0, false
	}
	if err != nil {
		logger.Error("driver.actions.load_failed", "error", err)
		return d.retryBaseDelay, true
	}
	for _, a := range pending {
		if ctx.Err() != nil {
			return 0, false
		}
		if err := d.dispatchOne(ctx, a); err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			d.metrics.recordDispatchFailure(ctx, a.Kind)
			logger.Warn("driver.action.dispatch_failed",
				"action_seq", a.Seq, "kind", string(a.Kind), "error", err)
			return d.retryMaxDelay, true
		}
		d.metrics.recordDispatch(ctx, a.Kind)
		if err := d.store.MarkActionExecuted(ctx, r.id, a.Seq, d.clk.Now()); err != nil {
			if errors.Is(err, store.ErrClosed) {
				return 0, false
			}
			// The action was delivered; a lost mark only means a redelivery.
			logger.Warn("driver.action.mark_failed", "action_seq", a.Seq, "error", err)
			return d.retryBaseDelay, true
		}
	}
	return 0, true
}

func (d *Driver) dispatchOne(ctx context.Context, a consensus.Action) error {
	delay := d.retryBaseDelay
	var err error
	for attempt := 1; attempt <= d.dispatchAttempts; attempt++ {
		switch a.Kind {
		case consensus.ActionSendMessage:
			err = d.sender.Send(ctx, a.Send.To, a.Send.Message)
		case consensus.ActionNotification:
			note := *a.Notify
			note.DeliveryID = xid.New().String()
			err = d.notifier.Notify(ctx, note)
		default:
			// Update-context actions execute inside the store commit and are
			// never pending; anything else is a log we cannot interpret.
			return fmt.Errorf("driver: unexpected pending action kind %q", a.Kind)
		}
		if err == nil {
			return nil
		}
		if attempt == d.dispatchAttempts || ctx.Err() != nil {
			return err
		}
		if !d.sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, d.retryMaxDelay)
	}
	return err
}

// checkDeadline synthesises an alarm when the persisted deadline has elapsed,
// otherwise returns how long to sleep until it does.
func (d *Driver) checkDeadline(ctx context.Context, r *runner, logger pslog.Logger) (time.Duration, bool) {
	cx, err := d.store.LoadContext(ctx, r.id)
	if errors.Is(err, store.ErrClosed) || errors.Is(err, store.ErrNotFound) {
		return 0, !errors.Is(err, store.ErrClosed)
	}
	if err != nil {
		logger.Error("driver.context.load_failed", "error", err)
		return d.retryBaseDelay, true
	}
	deadline := cx.Deadline()
	if deadline.IsZero() {
		return 0, true
	}
	now := d.clk.Now()
	if now.Before(deadline) {
		return deadline.Sub(now), true
	}
	d.metrics.recordAlarm(ctx)
	logger.Debug("driver.alarm.fired", "state", string(cx.State), "deadline", deadline)
	if _, err := d.store.AppendEvent(ctx, r.id, consensus.Event{
		Kind:      consensus.EventAlarm,
		CreatedAt: now,
	}); err != nil {
		if errors.Is(err, store.ErrClosed) {
			return 0, false
		}
		logger.Error("driver.alarm.append_failed", "error", err)
		return d.retryBaseDelay, true
	}
	wakeRunner(r)
	return 0, true
}

// failContext stops event processing for one context after an invariant
// violation. Other contexts are unaffected.
func (d *Driver) failContext(ctx context.Context, r *runner, cause error, logger pslog.Logger) {
	d.mu.Lock()
	r.failed = true
	d.mu.Unlock()
	d.metrics.recordContextFailure(ctx)
	logger.Error("driver.context.failed", "error", cause)
	n := api.Notification{
		Kind:    api.NotifyContextFailed,
		Circuit: r.id.Circuit,
		Service: r.id.Service,
		Reason:  cause.Error(),
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		logger.Warn("driver.context.failed.notify_failed", "error", err)
	}
}

func (d *Driver) isFailed(r *runner) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.failed
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.clk.After(delay):
		return true
	}
}

func nextDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

// Status reports every persisted context for the status surface.
func (d *Driver) Status(ctx context.Context) (api.StatusResponse, error) {
	ids, err := d.store.ListContexts(ctx)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("driver: list contexts: %w", err)
	}
	resp := api.StatusResponse{Self: d.self, Contexts: make([]api.ContextStatus, 0, len(ids))}
	now := d.clk.Now()
	for _, id := range ids {
		cx, err := d.store.LoadContext(ctx, id)
		if err != nil {
			return api.StatusResponse{}, fmt.Errorf("driver: load context: %w", err)
		}
		stats, err := d.store.Stats(ctx, id)
		if err != nil {
			return api.StatusResponse{}, fmt.Errorf("driver: context stats: %w", err)
		}
		st := api.ContextStatus{
			Circuit:         id.Circuit,
			Service:         id.Service,
			State:           string(cx.State),
			Epoch:           cx.Epoch,
			LastCommitEpoch: cx.LastCommitEpoch,
			Coordinator:     cx.Coordinator,
			PendingEvents:   stats.PendingEvents,
			PendingActions:  stats.PendingActions,
			Failed:          d.contextFailed(id),
		}
		if deadline := cx.Deadline(); !deadline.IsZero() {
			st.DeadlineUnix = deadline.Unix()
			st.Stalled = !st.Failed && now.Sub(deadline) > d.stalledAfter
		}
		resp.Contexts = append(resp.Contexts, st)
	}
	return resp, nil
}

func (d *Driver) contextFailed(id consensus.ContextID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.runners[id]
	return ok && r.failed
}

// Purge stops the context's runner and removes its persisted state. It is the
// recovery path for failed contexts.
func (d *Driver) Purge(ctx context.Context, id consensus.ContextID) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if r, ok := d.runners[id]; ok {
		close(r.stop)
		delete(d.runners, id)
	}
	d.mu.Unlock()
	if err := d.store.Purge(ctx, id); err != nil {
		return fmt.Errorf("driver: purge context: %w", err)
	}
	d.logger.Info("driver.context.purged", "context", id.String())
	return nil
}

// Close stops every runner and waits for them to exit. The store is owned by
// the caller and stays open.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	return nil
}
