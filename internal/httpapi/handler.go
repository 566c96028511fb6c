// Package httpapi exposes the driver over HTTP: round control and status for
// the hosting service, and message delivery for peer processes. It also
// provides the HTTP Sender used to reach those peers.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/api"
	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/correlation"
	"pkt.systems/circuitd/internal/driver"
	"pkt.systems/circuitd/internal/svcfields"
)

// CorrelationHeader carries the caller-supplied correlation identifier.
const CorrelationHeader = "X-Correlation-ID"

const maxBodyBytes = 1 << 20

// Handler serves the circuitd HTTP API.
type Handler struct {
	driver *driver.Driver
	logger pslog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Driver *driver.Driver
	// Logger defaults to noop.
	Logger pslog.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Driver == nil {
		return nil, errors.New("httpapi: driver required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		driver: cfg.Driver,
		logger: svcfields.WithSubsystem(logger, "httpapi"),
	}, nil
}

// Routes returns the HTTP handler with every route registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/deliver", h.wrap("deliver", h.handleDeliver))
	mux.Handle("/v1/round/start", h.wrap("round.start", h.handleRoundStart))
	mux.Handle("/v1/round/vote", h.wrap("round.vote", h.handleRoundVote))
	mux.Handle("/v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("/v1/context", h.wrap("context.purge", h.handleContextPurge))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealthz))
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		corrID, ok := correlation.Normalize(r.Header.Get(CorrelationHeader))
		if !ok {
			corrID = correlation.Generate()
		}
		r = r.WithContext(correlation.Set(r.Context(), corrID))
		w.Header().Set(CorrelationHeader, corrID)
		err := fn(w, r)
		logger := h.logger.With(
			"operation", operation,
			"correlation_id", corrID,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if err != nil {
			status, code := errorStatus(err)
			logger.Warn("http.request.failed", "status", status, "error_code", code, "error", err)
			h.writeJSON(w, status, api.ErrorResponse{ErrorCode: code, Detail: err.Error()})
			return
		}
		logger.Debug("http.request.served")
	})
}

var (
	errMethodNotAllowed = errors.New("httpapi: method not allowed")
	errBadBody          = errors.New("httpapi: malformed request body")
)

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, driver.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, "bad_request_body"
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed, "method_not_allowed"
	case errors.Is(err, driver.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errBadBody
	}
	if dec.More() {
		return errBadBody
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("http.response.encode_failed", "error", err)
	}
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return errMethodNotAllowed
	}
	var msg api.Envelope
	if err := decodeJSONBody(r, &msg); err != nil {
		return err
	}
	if err := h.driver.Deliver(r.Context(), msg); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusAccepted, api.RoundResponse{
		Circuit: msg.Circuit, Service: msg.Service, Accepted: true,
	})
	return nil
}

func (h *Handler) handleRoundStart(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return errMethodNotAllowed
	}
	var req api.StartRoundRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	if err := h.driver.StartRound(r.Context(), req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusAccepted, api.RoundResponse{
		Circuit: req.Circuit, Service: req.Service, Accepted: true,
	})
	return nil
}

func (h *Handler) handleRoundVote(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return errMethodNotAllowed
	}
	var req api.CastVoteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	if err := h.driver.CastVote(r.Context(), req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusAccepted, api.RoundResponse{
		Circuit: req.Circuit, Service: req.Service, Accepted: true,
	})
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errMethodNotAllowed
	}
	status, err := h.driver.Status(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, status)
	return nil
}

func (h *Handler) handleContextPurge(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodDelete {
		return errMethodNotAllowed
	}
	id := consensus.ContextID{
		Circuit: r.URL.Query().Get("circuit"),
		Service: r.URL.Query().Get("service"),
	}
	if id.Circuit == "" || id.Service == "" {
		return errBadBody
	}
	if err := h.driver.Purge(r.Context(), id); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.RoundResponse{
		Circuit: id.Circuit, Service: id.Service, Accepted: true,
	})
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errMethodNotAllowed
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	return nil
}
