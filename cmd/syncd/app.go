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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	syncd "github.com/PHiBBeRR/pulsearc-syncd"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SYNCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "syncd")

	cmd := newRootCommand(logger)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "PulseArc sync daemon: durable encrypted outbox for activity payloads",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), logger)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("store", syncd.DefaultStorePath, "SQLite queue database path")
	flags.String("keys", syncd.DefaultKeyPath, "PEM bundle holding the payload root key")

	local := cmd.Flags()
	local.String("endpoint", "", "ingest API batch URL")
	local.String("auth-token", "", "bearer token for the ingest API")
	local.Int("capacity", 0, "maximum undelivered items (0 = default)")
	local.String("overflow", "", "overflow policy: reject, drop_oldest_low_priority, block")
	local.Duration("block-timeout", 0, "enqueue wait bound under the block policy")
	local.Duration("reservation-ttl", 0, "unacknowledged reservation lifetime")
	local.String("compression", "", "payload compression: identity, s2, zstd")
	local.String("compression-threshold", "", "minimum payload size to compress, e.g. 4KiB")
	local.Duration("retry-base", 0, "first backoff delay")
	local.Duration("retry-cap", 0, "backoff delay ceiling")
	local.Int("retry-max-exp", 0, "backoff exponent cap")
	local.Int("retry-max-attempts", 0, "attempts before dead-lettering")
	local.String("jitter", "", "backoff jitter: none, full, equal, decorrelated")
	local.Duration("auth-floor", 0, "minimum delay after credential failures")
	local.Int("budget-capacity", 0, "retry token bucket size")
	local.Duration("budget-refill", 0, "retry token refill cadence")
	local.Int("breaker-threshold", 0, "batch failures before the circuit opens")
	local.Duration("breaker-cooloff", 0, "open-circuit duration before probing")
	local.Int("breaker-probes", 0, "half-open probe permits")
	local.Int("breaker-successes", 0, "probe successes required to close")
	local.Int("batch-size", 0, "items per forwarded batch")
	local.Duration("poll-interval", 0, "idle worker wake cadence")
	local.Duration("send-timeout", 0, "per-batch forward timeout")
	local.Duration("reap-interval", 0, "expired reservation recovery cadence")
	local.Duration("maintenance-interval", 0, "retention prune cadence")
	local.Duration("committed-retention", 0, "how long delivered items are kept")
	local.Duration("dead-retention", 0, "how long dead items are kept")
	local.Duration("shutdown-timeout", 0, "drain bound on shutdown")
	local.String("metrics-listen", syncd.DefaultMetricsListen, "Prometheus bind address (empty disables)")

	bindFlags(cmd)
	cmd.AddCommand(newStatusCommand(), newDeadCommand(), newPurgeCommand())
	return cmd
}

func bindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})
	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func configFromViper() syncd.Config {
	return syncd.Config{
		StorePath:               viper.GetString("store"),
		KeyPath:                 viper.GetString("keys"),
		Endpoint:                viper.GetString("endpoint"),
		AuthToken:               viper.GetString("auth-token"),
		Capacity:                viper.GetInt("capacity"),
		OverflowPolicy:          viper.GetString("overflow"),
		BlockTimeout:            viper.GetDuration("block-timeout"),
		ReservationTTL:          viper.GetDuration("reservation-ttl"),
		CompressionAlgo:         viper.GetString("compression"),
		CompressionThreshold:    viper.GetString("compression-threshold"),
		RetryBase:               viper.GetDuration("retry-base"),
		RetryCap:                viper.GetDuration("retry-cap"),
		RetryMaxExp:             viper.GetInt("retry-max-exp"),
		RetryMaxAttempts:        viper.GetInt("retry-max-attempts"),
		RetryJitter:             viper.GetString("jitter"),
		RetryAuthFloor:          viper.GetDuration("auth-floor"),
		BudgetCapacity:          viper.GetInt("budget-capacity"),
		BudgetRefillEvery:       viper.GetDuration("budget-refill"),
		BreakerFailureThreshold: viper.GetInt("breaker-threshold"),
		BreakerCoolOff:          viper.GetDuration("breaker-cooloff"),
		BreakerHalfOpenProbes:   viper.GetInt("breaker-probes"),
		BreakerSuccessThreshold: viper.GetInt("breaker-successes"),
		BatchSize:               viper.GetInt("batch-size"),
		PollInterval:            viper.GetDuration("poll-interval"),
		SendTimeout:             viper.GetDuration("send-timeout"),
		ReapInterval:            viper.GetDuration("reap-interval"),
		MaintenanceInterval:     viper.GetDuration("maintenance-interval"),
		CommittedRetention:      viper.GetDuration("committed-retention"),
		DeadRetention:           viper.GetDuration("dead-retention"),
		ShutdownTimeout:         viper.GetDuration("shutdown-timeout"),
		MetricsListen:           viper.GetString("metrics-listen"),
	}
}

func runDaemon(ctx context.Context, logger pslog.Logger) error {
	cfg := configFromViper()
	registry := prometheus.NewRegistry()

	svc, err := syncd.New(ctx, cfg,
		syncd.WithLogger(logger),
		syncd.WithRegistry(registry))
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			logger.Info("metrics.listen", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics.listen.error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return svc.Run(ctx)
}
