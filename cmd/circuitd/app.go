package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/circuitd"
	"pkt.systems/circuitd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CIRCUITD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "circuitd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "circuitd",
		Short:         "circuitd is a persisted two-phase-commit consensus engine for private multi-party circuits",
		SilenceErrors: true,
		Example: `
  # In-memory store, two-process circuit
  circuitd --self alice --peer bob=http://bob:9340 --store mem://

  # Durable disk store
  circuitd --self alice --peer bob=http://bob:9340 --store disk:///var/lib/circuitd

  # Everything via environment
  CIRCUITD_SELF=alice CIRCUITD_PEER=bob=http://bob:9340 CIRCUITD_STORE=disk:///var/lib/circuitd circuitd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			cfg, err := bindConfig(logger)
			if err != nil {
				return err
			}

			server, err := circuitd.NewServer(cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("self", "", "this process's identity within the circuit (required)")
	flags.StringSlice("peer", nil, "peer address book entry, process=url (repeatable)")
	flags.String("listen", circuitd.DefaultListen, "listen address for the HTTP API")
	flags.String("store", circuitd.DefaultStore, "store backend URL (mem://, disk:///path)")
	flags.String("notify-url", "", "webhook endpoint for engine notifications (empty logs them)")
	flags.Duration("vote-timeout", circuitd.DefaultVoteTimeout, "how long a round may sit in voting before it aborts")
	flags.Duration("decision-timeout", circuitd.DefaultDecisionTimeout, "how long a voted participant waits before re-requesting the decision")
	flags.Duration("shutdown-timeout", circuitd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("metrics-listen", circuitd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", circuitd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "minimum log level")

	viper.SetEnvPrefix("CIRCUITD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindFlags(flags,
		"self", "peer", "listen", "store", "notify-url",
		"vote-timeout", "decision-timeout", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "log-level",
	)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}

func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func bindConfig(logger pslog.Logger) (circuitd.Config, error) {
	peers, err := circuitd.ParsePeers(viper.GetStringSlice("peer"))
	if err != nil {
		return circuitd.Config{}, err
	}
	return circuitd.Config{
		Self:                   viper.GetString("self"),
		Listen:                 viper.GetString("listen"),
		Peers:                  peers,
		Store:                  viper.GetString("store"),
		NotifyURL:              viper.GetString("notify-url"),
		VoteTimeout:            viper.GetDuration("vote-timeout"),
		DecisionTimeout:        viper.GetDuration("decision-timeout"),
		ShutdownTimeout:        viper.GetDuration("shutdown-timeout"),
		MetricsListen:          viper.GetString("metrics-listen"),
		PprofListen:            viper.GetString("pprof-listen"),
		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           viper.GetString("otlp-endpoint"),
		Logger:                 logger,
	}, nil
}
