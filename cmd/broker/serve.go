package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/api"
	"github.com/terrpan/atbroker/internal/broker"
	"github.com/terrpan/atbroker/internal/health"
	"github.com/terrpan/atbroker/internal/otel"
	"github.com/terrpan/atbroker/internal/scheduler"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the task workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

// migrator is implemented by stores with a schema.
type migrator interface {
	Migrate() error
}

func serve(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("provider", cfg.Provider.Type),
		slog.Int("maxRunners", cfg.Scheduler.MaxRunners),
		slog.Int("instances", len(cfg.Instances)),
	)

	shutdownOTel, metrics, err := otel.SetupOTelSDK(ctx, "atbroker", otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: cfg.OTel.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Open the store
	// ---------------------------------------------------------------
	clk := clock.RealClock{}
	st, err := cfg.NewStore(ctx, clk)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if m, ok := st.(migrator); ok && cfg.Database.AutoMigrate {
		if err := m.Migrate(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		logger.Info("migrations applied")
	}

	// ---------------------------------------------------------------
	// 4. Initialize providers
	// ---------------------------------------------------------------
	providers, err := cfg.NewProviders(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}
	defer providers.Close()

	// ---------------------------------------------------------------
	// 5. Scheduler and task queue
	// ---------------------------------------------------------------
	queue := tasks.NewQueue(tasks.QueueConfig{
		Workers: cfg.Scheduler.Workers,
		Clock:   clk,
		Logger:  logger.WithGroup("tasks"),
	})
	sched := scheduler.New(scheduler.Config{
		Store:             st,
		Settings:          settings.New(cfg.SettingsDefaults()),
		Providers:         providers,
		Tasks:             queue,
		Clock:             clk,
		Logger:            logger.WithGroup("scheduler"),
		DefaultKind:       cfg.ProviderKind(),
		MaxRunnersPerJob:  cfg.Scheduler.MaxRunnersPerJob,
		SlowStartAge:      cfg.Scheduler.SlowStartWarnAge,
		KeepFailedRunners: cfg.Scheduler.KeepFailedRunners,
	})
	queue.Every(cfg.Scheduler.SweepInterval, tasks.CleanupStale())
	queue.Every(cfg.Scheduler.SweepInterval, tasks.MaybeStartMore())

	// Pick up work left over from a previous run right away.
	queue.Enqueue(ctx, tasks.CleanupStale(), tasks.MaybeStartMore())

	// ---------------------------------------------------------------
	// 6. HTTP API
	// ---------------------------------------------------------------
	kinds := make([]string, 0, len(providers.Kinds()))
	for _, k := range providers.Kinds() {
		kinds = append(kinds, string(k))
	}
	apiCfg := cfg.APIConfig()
	apiCfg.Health = health.Handler(kinds, st.Kind())
	if metrics != nil {
		apiCfg.Metrics = metrics
	}
	server := api.New(apiCfg, broker.New(sched, logger.WithGroup("broker")), logger.WithGroup("api"))

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(ctx, sched.HandleTask) })
	g.Go(func() error { return server.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down gracefully")
	return nil
}
