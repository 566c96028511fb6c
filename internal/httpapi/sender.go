package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/svcfields"
)

// ErrUnknownPeer is returned when a message targets a process with no
// configured endpoint.
var ErrUnknownPeer = errors.New("httpapi: unknown peer process")

// DefaultSendTimeout bounds a single delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// SenderConfig configures an HTTP Sender.
type SenderConfig struct {
	// Peers maps process names to base URLs, e.g. "bob" -> "https://bob:9340".
	Peers map[string]string
	// Client defaults to an http.Client with DefaultSendTimeout.
	Client *http.Client
	// Logger defaults to noop.
	Logger pslog.Logger
}

// Sender delivers consensus messages to peer processes over their
// /v1/deliver endpoints.
type Sender struct {
	peers  map[string]string
	client *http.Client
	logger pslog.Logger
}

// NewSender builds a Sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	peers := make(map[string]string, len(cfg.Peers))
	for process, base := range cfg.Peers {
		if process == "" || base == "" {
			return nil, fmt.Errorf("httpapi: peer entry %q=%q incomplete", process, base)
		}
		peers[process] = strings.TrimRight(base, "/")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultSendTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Sender{
		peers:  peers,
		client: client,
		logger: svcfields.WithSubsystem(logger, "sender"),
	}, nil
}

// Send posts the envelope to the target's deliver endpoint. A non-2xx
// response is an error so the driver retries the action.
func (s *Sender) Send(ctx context.Context, to string, msg api.Envelope) error {
	base, ok := s.peers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("httpapi: encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/deliver", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: deliver to %s: %w", to, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("sender.deliver.rejected",
			"to", to, "kind", string(msg.Kind), "status", resp.StatusCode)
		return fmt.Errorf("httpapi: deliver to %s: status=%d", to, resp.StatusCode)
	}
	s.logger.Trace("sender.deliver.sent", "to", to, "kind", string(msg.Kind), "epoch", msg.Epoch)
	return nil
}
