package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/svcfields"
)

// DefaultNotifyTimeout bounds a single webhook delivery attempt.
const DefaultNotifyTimeout = 10 * time.Second

// NotifierConfig configures a webhook Notifier.
type NotifierConfig struct {
	// URL is the hosting service's notification endpoint. Required.
	URL string
	// Client defaults to an http.Client with DefaultNotifyTimeout.
	Client *http.Client
	// Logger defaults to noop.
	Logger pslog.Logger
}

// Notifier posts engine notifications to the hosting service's webhook. The
// driver retries failed deliveries, so a non-2xx response is just an error.
type Notifier struct {
	url    string
	client *http.Client
	logger pslog.Logger
}

// NewNotifier builds a webhook Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("httpapi: notifier URL required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultNotifyTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Notifier{
		url:    cfg.URL,
		client: client,
		logger: svcfields.WithSubsystem(logger, "notifier"),
	}, nil
}

// Notify posts the notification as JSON.
func (n *Notifier) Notify(ctx context.Context, note api.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("httpapi: encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpapi: build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: notify: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("httpapi: notify: status=%d", resp.StatusCode)
	}
	n.logger.Trace("notifier.delivered",
		"kind", string(note.Kind), "delivery_id", note.DeliveryID, "epoch", note.Epoch)
	return nil
}
