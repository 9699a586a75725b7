package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"gigwatch/common/database/schema"
	"gigwatch/common/database/schema/migrations"
	"gigwatch/services/watcher/internal/config"
	"gigwatch/services/watcher/internal/models"
	"gigwatch/services/watcher/internal/notifier"
	"gigwatch/services/watcher/internal/pipeline"
	"gigwatch/services/watcher/internal/scheduler"
)

var rootCmd = &cobra.Command{
	Use:   "gigwatch",
	Short: "Watch job boards and notify about new matching postings",
	Long: `gigwatch fetches postings from configured job boards, drops the ones it
has already seen, matches the rest against your preferences and sends the
matches to a webhook or NATS subject.

Configuration is read from the environment (see SOURCES, NOTIFIER,
DEDUP_BACKEND and friends).

Examples:
  gigwatch run                 # one run, exit code reflects the outcome
  gigwatch serve               # run on SCHEDULE until interrupted
  gigwatch migrate             # create the ClickHouse tables
  gigwatch tail                # print notifications published to NATS`,
	SilenceUsage: true,
}

var (
	runTimeout    time.Duration
	serveSchedule string
	serveNoRunNow bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single run and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		var (
			orchestrator *pipeline.Orchestrator
			runCfg       pipeline.RunConfig
			logger       *zap.Logger
		)
		app := fx.New(
			watcherModule(cfg),
			fx.Populate(&orchestrator, &runCfg, &logger),
		)
		if err := app.Err(); err != nil {
			return err
		}
		if err := overrideTimeout(&runCfg, runTimeout); err != nil {
			return err
		}
		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		result := orchestrator.RunOnce(ctx, runCfg)
		stop()

		logErrors(logger, result)
		if err := app.Stop(context.Background()); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		_ = logger.Sync()

		if code := result.ExitCode(); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if serveSchedule != "" {
			cfg.Schedule = serveSchedule
		}

		app := fx.New(
			watcherModule(cfg),
			fx.Invoke(func(lc fx.Lifecycle, orchestrator *pipeline.Orchestrator, runCfg pipeline.RunConfig, logger *zap.Logger) {
				runCtx, cancel := context.WithCancel(context.Background())
				s := scheduler.New(cfg.Schedule, func(ctx context.Context) models.RunResult {
					result := orchestrator.RunOnce(ctx, runCfg)
					logErrors(logger, result)
					return result
				}, logger.Named("scheduler"))

				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						return s.Start(runCtx, !serveNoRunNow)
					},
					OnStop: func(ctx context.Context) error {
						cancel()
						s.Stop(ctx)
						return nil
					},
				})
			}),
		)

		if err := app.Start(cmd.Context()); err != nil {
			return err
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return app.Stop(stopCtx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending ClickHouse migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		db, err := openClickHouse(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		applied, err := schema.NewMigrator(db.Conn(), logger).Migrate(ctx, migrations.All)
		if err != nil {
			return fmt.Errorf("migration failed after %d applied: %w", applied, err)
		}
		logger.Info("migrations complete", zap.Int("applied", applied))
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print matched postings published to NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name(serviceName+"-tail"),
			nats.Timeout(cfg.NATSConnTimeout),
			nats.RetryOnFailedConnect(true),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		out := cmd.OutOrStdout()
		sub := notifier.NewSubscriber(nc, cfg.NATSSubject, "", func(_ context.Context, m notifier.Message) error {
			_, err := fmt.Fprintln(out, m.Text)
			return err
		}, logger)
		if err := sub.Start(); err != nil {
			return err
		}
		defer func() { _ = sub.Stop() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

// overrideTimeout applies --timeout to the run. Zero keeps TIMEOUT_SECONDS.
func overrideTimeout(runCfg *pipeline.RunConfig, timeout time.Duration) error {
	switch {
	case timeout < 0:
		return fmt.Errorf("--timeout must not be negative, got %s", timeout)
	case timeout > 0:
		runCfg.Timeout = timeout
	}
	return nil
}

// logErrors lists each stage error on its own line; the orchestrator already
// logs the run summary.
func logErrors(logger *zap.Logger, result models.RunResult) {
	for _, e := range result.Errors {
		logger.Warn("run error",
			zap.String("run_id", result.RunID),
			zap.String("stage", string(e.Stage)),
			zap.String("kind", e.Kind),
			zap.String("message", e.Message))
	}
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override TIMEOUT_SECONDS for this run")
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "cron expression, overrides SCHEDULE")
	serveCmd.Flags().BoolVar(&serveNoRunNow, "no-initial-run", false, "wait for the first tick instead of running at startup")

	rootCmd.AddCommand(runCmd, serveCmd, migrateCmd, tailCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
