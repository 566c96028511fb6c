package circuitd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/circuitd/internal/consensus"
	"pkt.systems/circuitd/internal/driver"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9340"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store is
	// configured.
	DefaultStore = "mem://"
	// DefaultVoteTimeout bounds how long a round may sit in voting before the
	// coordinator or a participant aborts it.
	DefaultVoteTimeout = 30 * time.Second
	// DefaultDecisionTimeout bounds how long a voted participant waits for the
	// decision before asking the coordinator again.
	DefaultDecisionTimeout = 15 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP server).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultNotifyTimeout bounds a single webhook notification delivery.
	DefaultNotifyTimeout = 10 * time.Second
)

// Config declares everything a circuitd server needs: its own identity, the
// peer address book, the store and the protocol timers.
type Config struct {
	// Self is the local process identity. Required. Peer messages addressed to
	// other identities are dropped by the engine.
	Self string
	// Listen is the TCP endpoint for the HTTP API.
	Listen string
	// Peers maps process identities to base URLs, self excluded.
	Peers map[string]string
	// Store selects the persistence backend: "mem://" or "disk:///path".
	Store string
	// NotifyURL is the hosting service's webhook endpoint for engine
	// notifications. Empty logs notifications instead of posting them.
	NotifyURL string

	// VoteTimeout and DecisionTimeout override the protocol timers. Zero
	// values use the defaults.
	VoteTimeout     time.Duration
	DecisionTimeout time.Duration

	// OTLPEndpoint enables trace export when set, e.g. "grpc://collector:4317".
	OTLPEndpoint string
	// MetricsListen enables the Prometheus endpoint when set.
	MetricsListen string
	// PprofListen enables the pprof debug listener when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger defaults to noop.
	Logger pslog.Logger

	// DispatchAttempts, RetryBaseDelay and RetryMaxDelay tune driver retry
	// behaviour; zero values use the driver defaults.
	DispatchAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

func (cfg Config) normalize() (Config, error) {
	cfg.Self = strings.TrimSpace(cfg.Self)
	if cfg.Self == "" {
		return cfg, fmt.Errorf("circuitd: self identity required")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = DefaultListen
	}
	if strings.TrimSpace(cfg.Store) == "" {
		cfg.Store = DefaultStore
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = DefaultVoteTimeout
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = DefaultDecisionTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	peers := make(map[string]string, len(cfg.Peers))
	for process, base := range cfg.Peers {
		process = strings.TrimSpace(process)
		base = strings.TrimSpace(base)
		if process == "" || base == "" {
			return cfg, fmt.Errorf("circuitd: peer entry %q=%q incomplete", process, base)
		}
		if process == cfg.Self {
			continue
		}
		peers[process] = base
	}
	cfg.Peers = peers
	return cfg, nil
}

// PeerList renders the peer address book as sorted "process=url" pairs,
// the same form ParsePeers accepts.
func (cfg Config) PeerList() []string {
	out := make([]string, 0, len(cfg.Peers))
	for process, base := range cfg.Peers {
		out = append(out, process+"="+base)
	}
	sort.Strings(out)
	return out
}

// ParsePeers parses "process=url" pairs into a peer address book.
func ParsePeers(entries []string) (map[string]string, error) {
	peers := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		process, base, ok := strings.Cut(entry, "=")
		process = strings.TrimSpace(process)
		base = strings.TrimSpace(base)
		if !ok || process == "" || base == "" {
			return nil, fmt.Errorf("circuitd: malformed peer entry %q, want process=url", entry)
		}
		if _, dup := peers[process]; dup {
			return nil, fmt.Errorf("circuitd: duplicate peer entry for %q", process)
		}
		peers[process] = base
	}
	return peers, nil
}

func (cfg Config) timeouts() consensus.Timeouts {
	return consensus.Timeouts{
		Vote:     cfg.VoteTimeout,
		Decision: cfg.DecisionTimeout,
	}
}

func (cfg Config) driverConfig() driver.Config {
	return driver.Config{
		Self:             cfg.Self,
		Timeouts:         cfg.timeouts(),
		Logger:           cfg.Logger,
		DispatchAttempts: cfg.DispatchAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
	}
}
