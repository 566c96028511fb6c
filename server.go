package circuitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/clock"
	"pkt.systems/circuitd/internal/driver"
	"pkt.systems/circuitd/internal/httpapi"
	"pkt.systems/circuitd/internal/store"
	"pkt.systems/circuitd/internal/svcfields"
)

// Server wires the store, the consensus driver and the HTTP API together.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	store     store.Store
	driver    *driver.Driver
	handler   *httpapi.Handler
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetryBundle

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Store    store.Store
	Sender   driver.Sender
	Notifier driver.Notifier
	Clock    clock.Clock
}

// WithStore injects a pre-built store (useful for tests).
func WithStore(s store.Store) Option {
	return func(o *options) { o.Store = s }
}

// WithSender overrides the HTTP peer transport.
func WithSender(s driver.Sender) Option {
	return func(o *options) { o.Sender = s }
}

// WithNotifier overrides the webhook notifier.
func WithNotifier(n driver.Notifier) Option {
	return func(o *options) { o.Notifier = n }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer constructs a circuitd server according to cfg.
// Example:
//
//	cfg := circuitd.Config{Self: "alice", Store: "mem://", Listen: ":9340"}
//	srv, err := circuitd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "server")

	st := o.Store
	if st == nil {
		st, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	sender := o.Sender
	if sender == nil {
		sender, err = httpapi.NewSender(httpapi.SenderConfig{
			Peers:  cfg.Peers,
			Logger: cfg.Logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	notifier := o.Notifier
	if notifier == nil {
		if cfg.NotifyURL != "" {
			notifier, err = httpapi.NewNotifier(httpapi.NotifierConfig{
				URL:    cfg.NotifyURL,
				Client: &http.Client{Timeout: DefaultNotifyTimeout},
				Logger: cfg.Logger,
			})
			if err != nil {
				_ = st.Close()
				return nil, err
			}
		} else {
			notifier = logNotifier{logger: svcfields.WithSubsystem(cfg.Logger, "notifier")}
		}
	}

	dcfg := cfg.driverConfig()
	dcfg.Store = st
	dcfg.Sender = sender
	dcfg.Notifier = notifier
	dcfg.Clock = o.Clock
	drv, err := driver.New(dcfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Driver: drv,
		Logger: cfg.Logger,
	})
	if err != nil {
		_ = drv.Close()
		_ = st.Close()
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		driver:  drv,
		handler: handler,
		httpSrv: &http.Server{Handler: handler.Routes()},
		readyCh: make(chan struct{}),
	}, nil
}

// Driver exposes the consensus driver for in-process embedding.
func (s *Server) Driver() *driver.Driver { return s.driver }

// Addr returns the bound listen address once Start has opened the listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitReady blocks until the listener accepts connections or ctx expires.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start binds the listener, resumes persisted contexts and serves the HTTP
// API. It blocks until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	ctx := context.Background()

	bundle, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           s.cfg.OTLPEndpoint,
		MetricsListen:          s.cfg.MetricsListen,
		PprofListen:            s.cfg.PprofListen,
		EnableProfilingMetrics: s.cfg.EnableProfilingMetrics,
	}, s.cfg.Logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.telemetry = bundle
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("circuitd: listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	if err := s.driver.Resume(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("circuitd: resume contexts: %w", err)
	}

	s.logger.Info("server.started",
		"self", s.cfg.Self,
		"listen", ln.Addr().String(),
		"store", s.cfg.Store,
		"peers", len(s.cfg.Peers),
	)
	s.readyOnce.Do(func() { close(s.readyCh) })

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("circuitd: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting stimuli, drains in-flight HTTP requests, closes
// the driver and the store, and tears down telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	bundle := s.telemetry
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("driver close: %w", err))
	}
	if err := s.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if bundle != nil {
		if err := bundle.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.stopped")
	return nil
}

// logNotifier is the fallback Notifier when no webhook is configured: it logs
// every notification so local setups still see protocol outcomes.
type logNotifier struct {
	logger pslog.Logger
}

func (n logNotifier) Notify(_ context.Context, note api.Notification) error {
	n.logger.Info("notification",
		"kind", string(note.Kind),
		"circuit", note.Circuit,
		"service", note.Service,
		"epoch", note.Epoch,
		"reason", note.Reason,
		"delivery_id", note.DeliveryID,
	)
	return nil
}
