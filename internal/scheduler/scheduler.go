// Package scheduler is the broker's matching engine.  It decides which
// runners serve which jobs, when new runners are provisioned, when idle
// ones are retired and when a runner may be stolen from another job.
//
// Decisions are made inside store transactions with every inspected row
// locked.  Anything slow (provider calls, fleet-wide sweeps) is appended
// to an outbox and only enqueued once the transaction has committed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/tasks"
)

// Config holds the parameters for New.
type Config struct {
	Store     store.Store
	Settings  *settings.Service
	Providers *provider.Registry
	Tasks     tasks.Enqueuer
	Clock     clock.PassiveClock
	Logger    *slog.Logger

	// DefaultKind is the provider new runners are created with.
	DefaultKind model.ProviderKind

	// MaxRunnersPerJob caps Job.WantedRunners.  Default: 5.
	MaxRunnersPerJob int

	// SlowStartAge is how long a runner may sit in creating or cleaning
	// before the stale sweep logs it as slow (creating) or kills it
	// again (cleaning).  Default: 5m.
	SlowStartAge time.Duration

	// KeepFailedRunners makes the stale sweep only shut down runners that
	// never came alive instead of destroying them, so an operator can
	// inspect the unit.  The runner still ends up cleaned.
	KeepFailedRunners bool
}

// Scheduler runs the matching engine.
type Scheduler struct {
	store       store.Store
	settings    *settings.Service
	providers   *provider.Registry
	tasks       tasks.Enqueuer
	clock       clock.PassiveClock
	logger      *slog.Logger
	defaultKind model.ProviderKind
	maxPerJob   int
	slowAge     time.Duration
	keepFailed  bool

	tracer trace.Tracer
	meter  metric.Meter

	runnersCreated        metric.Int64Counter
	runnersKilled         metric.Int64Counter
	runnersStolen         metric.Int64Counter
	sweeps                metric.Int64Counter
	runnerStartupDuration metric.Float64Histogram
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = model.ProviderDev
	}
	if cfg.MaxRunnersPerJob <= 0 {
		cfg.MaxRunnersPerJob = 5
	}
	if cfg.SlowStartAge <= 0 {
		cfg.SlowStartAge = 5 * time.Minute
	}

	s := &Scheduler{
		store:       cfg.Store,
		settings:    cfg.Settings,
		providers:   cfg.Providers,
		tasks:       cfg.Tasks,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		defaultKind: cfg.DefaultKind,
		maxPerJob:   cfg.MaxRunnersPerJob,
		slowAge:     cfg.SlowStartAge,
		keepFailed:  cfg.KeepFailedRunners,
		tracer:      otel.Tracer("atbroker/scheduler"),
		meter:       otel.Meter("atbroker/scheduler"),
	}

	// Metric creation errors are logged, not fatal.
	var err error
	s.runnersCreated, err = s.meter.Int64Counter(
		"broker.runners.created",
		metric.WithDescription("Total number of runners created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	s.runnersKilled, err = s.meter.Int64Counter(
		"broker.runners.killed",
		metric.WithDescription("Total number of runners cleaned up"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersKilled counter", slog.String("error", err.Error()))
	}

	s.runnersStolen, err = s.meter.Int64Counter(
		"broker.runners.stolen",
		metric.WithDescription("Total number of runners moved from one job to another"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStolen counter", slog.String("error", err.Error()))
	}

	s.sweeps, err = s.meter.Int64Counter(
		"broker.sweeps",
		metric.WithDescription("Total number of fleet sweeps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create sweeps counter", slog.String("error", err.Error()))
	}

	s.runnerStartupDuration, err = s.meter.Float64Histogram(
		"broker.runner.startup.duration",
		metric.WithDescription("Time for a provider to start a runner (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnerStartupDuration histogram", slog.String("error", err.Error()))
	}

	_, err = s.meter.Int64ObservableGauge(
		"broker.runners.active",
		metric.WithDescription("Current number of runners counted against capacity"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var n int
			err := s.store.InTx(ctx, func(tx store.Tx) error {
				var err error
				n, err = tx.CountRunners(ctx, model.ActiveStates())
				return err
			})
			if err != nil {
				return err
			}
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active runners gauge", slog.String("error", err.Error()))
	}

	return s
}

// Now is the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// MaxRunnersPerJob is the per-job cap wanted runner counts are clamped to.
func (s *Scheduler) MaxRunnersPerJob() int { return s.maxPerJob }

// Settings returns the settings service the scheduler reads.
func (s *Scheduler) Settings() *settings.Service { return s.settings }

// Providers returns the provider registry.
func (s *Scheduler) Providers() *provider.Registry { return s.providers }

// InTx runs fn in a store transaction with a fresh outbox.  The outbox is
// enqueued only if the transaction commits.
func (s *Scheduler) InTx(ctx context.Context, fn func(tx store.Tx, ob *tasks.Outbox) error) error {
	var ob *tasks.Outbox
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		ob = &tasks.Outbox{}
		return fn(tx, ob)
	})
	if err != nil {
		return err
	}
	if ob.Len() > 0 && s.tasks != nil {
		s.tasks.Enqueue(ctx, ob.Tasks()...)
	}
	return nil
}

// HandleTask executes one asynchronous task.  It is the tasks.Handler
// the worker pool runs.
func (s *Scheduler) HandleTask(ctx context.Context, t tasks.Task) error {
	switch t.Kind {
	case tasks.StartRunner:
		return s.StartRunner(ctx, t.RunnerID)
	case tasks.KillRunner:
		return s.Kill(ctx, t.RunnerID, t.MaybeStartNew, t.ShutdownOnly)
	case tasks.KillIfUnneeded:
		return s.KillIfUnneeded(ctx, t.RunnerID)
	case tasks.MaybeStartMoreRunners:
		return s.MaybeStartMoreRunners(ctx)
	case tasks.CleanupStaleRunners:
		return s.CleanupStaleRunners(ctx)
	}
	return fmt.Errorf("task %s: %w", t.Kind, model.ErrInvalidArgument)
}

func runnerAttrs(r *model.Runner) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("runner.id", r.ID),
		attribute.String("runner.kind", string(r.Kind)),
		attribute.String("runner.state", r.State.String()),
	}
}

func (s *Scheduler) logRunner(r *model.Runner) *slog.Logger {
	return s.logger.With(
		slog.String("runner", r.ID),
		slog.String("kind", string(r.Kind)),
		slog.String("state", r.State.String()),
		slog.String("job", r.JobID),
	)
}
