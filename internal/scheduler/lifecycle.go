package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/tasks"
)

func metricKind(k model.ProviderKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(k)))
}

func metricSweep(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("sweep", name))
}

// StartRunner provisions a not_running runner.  The runner moves to
// creating in one transaction, the provider is called with no
// transaction open, and the address it reports is stored in a second
// one.  A failed start leaves the runner in creating for the stale sweep.
func (s *Scheduler) StartRunner(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.StartRunner")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", id))

	var runner *model.Runner
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRunner(ctx, id)
		if err != nil {
			return err
		}
		if r.State != model.RunnerNotRunning {
			return nil
		}
		if err := r.SetState(model.RunnerCreating); err != nil {
			return err
		}
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return err
		}
		runner = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark runner %s creating: %w", id, err)
	}
	if runner == nil {
		s.logger.Debug("runner already started", slog.String("runner", id))
		return nil
	}

	p, err := s.providers.Get(runner.Kind)
	if err != nil {
		return err
	}

	begin := s.clock.Now()
	res, err := p.Start(ctx, runner)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("start runner %s: %w", id, err)
	}
	if s.runnerStartupDuration != nil {
		s.runnerStartupDuration.Record(ctx, s.clock.Since(begin).Seconds(), metricKind(runner.Kind))
	}

	orphaned := false
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRunner(ctx, id)
		if err != nil {
			return err
		}
		r.Address = res.Address
		r.ProviderRef = res.Ref
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return err
		}
		runner = r
		orphaned = r.State >= model.RunnerCleaning
		return nil
	})
	if err != nil {
		// The unit exists but the broker cannot know it; tear it down.
		runner.Address, runner.ProviderRef = res.Address, res.Ref
		if cerr := p.Cleanup(ctx, runner, false); cerr != nil {
			s.logRunner(runner).Error("cleanup after failed start", slog.String("error", cerr.Error()))
		}
		return fmt.Errorf("record started runner %s: %w", id, err)
	}

	if orphaned {
		// Killed while the provider was still starting it.
		s.logRunner(runner).Warn("runner was killed during start, cleaning up")
		return p.Cleanup(ctx, runner, false)
	}

	s.logRunner(runner).Info("runner provisioned",
		slog.String("address", res.Address),
		slog.String("ref", res.Ref),
	)
	return nil
}

// Kill moves a runner to cleaning, asks its provider to clean it up and
// marks it cleaned.  Killing a cleaned runner is a no-op.  With
// maybeStartNew a global sweep follows so the freed capacity is reused.
func (s *Scheduler) Kill(ctx context.Context, id string, maybeStartNew, shutdownOnly bool) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.Kill")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.id", id),
		attribute.Bool("shutdown_only", shutdownOnly),
	)

	var runner *model.Runner
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRunner(ctx, id)
		if err != nil {
			return err
		}
		if r.State == model.RunnerCleaned {
			return nil
		}
		if r.State < model.RunnerCleaning {
			if err := r.SetState(model.RunnerCleaning); err != nil {
				return err
			}
			if err := tx.UpdateRunner(ctx, r); err != nil {
				return err
			}
		}
		runner = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark runner %s cleaning: %w", id, err)
	}
	if runner == nil {
		return nil
	}

	p, err := s.providers.Get(runner.Kind)
	if err != nil {
		return err
	}
	if err := p.Cleanup(ctx, runner, shutdownOnly); err != nil {
		span.RecordError(err)
		return fmt.Errorf("cleanup runner %s: %w", id, err)
	}

	err = s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		r, err := tx.LockRunner(ctx, id)
		if err != nil {
			return err
		}
		if err := r.SetState(model.RunnerCleaned); err != nil {
			return err
		}
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return err
		}
		runner = r
		if maybeStartNew {
			ob.Add(tasks.MaybeStartMore())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark runner %s cleaned: %w", id, err)
	}

	if s.runnersKilled != nil {
		s.runnersKilled.Add(ctx, 1, metricKind(runner.Kind))
	}
	s.logRunner(runner).Info("runner cleaned", slog.Bool("shutdown_only", shutdownOnly))
	return nil
}

// KillIfUnneeded retires an idle runner.  It keeps the runner when it was
// assigned in the meantime, when a job is waiting for runners, or when
// the pool of unassigned runners is not above
// minimum_amount_extra_runners.
func (s *Scheduler) KillIfUnneeded(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.KillIfUnneeded")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", id))

	return s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		r, err := tx.LockRunner(ctx, id)
		if err != nil {
			return err
		}
		if r.JobID != "" || !r.State.IsBeforeAssigned() {
			return nil
		}

		vals, err := s.settings.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		waiting, err := tx.ListJobsNeedingRunners(ctx, s.clock.Now(), vals.AssignedGracePeriod)
		if err != nil {
			return err
		}
		if len(waiting) > 0 {
			ob.Add(tasks.MaybeStartMore())
			return nil
		}
		pool, err := tx.ListRunners(ctx, store.RunnerFilter{Unassigned: true, States: model.BeforeAssignedStates()})
		if err != nil {
			return err
		}
		if len(pool) <= vals.MinimumExtraRunners {
			s.logRunner(r).Debug("keeping idle runner as spare", slog.Int("pool", len(pool)))
			return nil
		}

		if err := r.SetState(model.RunnerCleaning); err != nil {
			return err
		}
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return err
		}
		ob.Add(tasks.Kill(r.ID, false, false))
		s.logRunner(r).Info("killing unneeded runner")
		return nil
	})
}

// CleanupStaleRunners is the periodic safety net:
//   - runners never provisioned (not_running) get their start task again
//     after the slow start age, and are killed after
//     runner_max_time_alive, as are runners stuck in creating;
//   - runners stuck in cleaning are killed again;
//   - running runners whose job is gone or finished are cleaned;
//   - idle started runners older than runner_max_time_alive are checked
//     with KillIfUnneeded.
//
// Creating runners past the slow start age are only logged.
func (s *Scheduler) CleanupStaleRunners(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.CleanupStaleRunners")
	defer span.End()
	if s.sweeps != nil {
		s.sweeps.Add(ctx, 1, metricSweep("cleanup_stale"))
	}

	now := s.clock.Now()
	var (
		expired, restart, recleanup, running, idle []string
	)
	err := s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		expired, restart, recleanup, running, idle = nil, nil, nil, nil, nil

		vals, err := s.settings.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		maxAlive := now.Add(-vals.RunnerMaxTimeAlive)
		slow := now.Add(-s.slowAge)

		early, err := tx.ListRunners(ctx, store.RunnerFilter{
			States:        []model.RunnerState{model.RunnerNotRunning, model.RunnerCreating},
			UpdatedBefore: slow,
		})
		if err != nil {
			return err
		}
		for _, r := range early {
			switch {
			case r.UpdatedAt.Before(maxAlive):
				expired = append(expired, r.ID)
			case r.State == model.RunnerNotRunning:
				restart = append(restart, r.ID)
			default:
				s.logRunner(r).Warn("runner is slow to start",
					slog.Duration("age", now.Sub(r.UpdatedAt)),
				)
			}
		}

		cleaning, err := tx.ListRunners(ctx, store.RunnerFilter{
			States:        []model.RunnerState{model.RunnerCleaning},
			UpdatedBefore: slow,
		})
		if err != nil {
			return err
		}
		for _, r := range cleaning {
			recleanup = append(recleanup, r.ID)
		}

		run, err := tx.ListRunners(ctx, store.RunnerFilter{States: []model.RunnerState{model.RunnerRunning}})
		if err != nil {
			return err
		}
		for _, r := range run {
			running = append(running, r.ID)
		}

		started, err := tx.ListRunners(ctx, store.RunnerFilter{
			States:        []model.RunnerState{model.RunnerStarted},
			Unassigned:    true,
			UpdatedBefore: maxAlive,
		})
		if err != nil {
			return err
		}
		for _, r := range started {
			idle = append(idle, r.ID)
		}

		for _, id := range restart {
			ob.Add(tasks.Start(id))
		}
		for _, id := range recleanup {
			ob.Add(tasks.Kill(id, true, false))
		}
		for _, id := range idle {
			ob.Add(tasks.KillIfUnneededAfter(id, 0))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stale runners: %w", err)
	}

	span.SetAttributes(
		attribute.Int("expired", len(expired)),
		attribute.Int("restarted", len(restart)),
		attribute.Int("recleaned", len(recleanup)),
		attribute.Int("idle", len(idle)),
	)

	for _, id := range expired {
		s.eachRunner(ctx, id, "expire", func(tx store.Tx, ob *tasks.Outbox, r *model.Runner, _ *model.Job) error {
			if !r.State.IsBeforeStarted() {
				return nil
			}
			if err := r.SetState(model.RunnerCleaning); err != nil {
				return err
			}
			if err := tx.UpdateRunner(ctx, r); err != nil {
				return err
			}
			ob.Add(tasks.Kill(r.ID, true, s.keepFailed))
			s.logRunner(r).Warn("runner never came alive, killing", slog.Bool("keep_unit", s.keepFailed))
			return nil
		})
	}

	for _, id := range running {
		s.eachRunner(ctx, id, "finish", func(tx store.Tx, ob *tasks.Outbox, r *model.Runner, job *model.Job) error {
			if r.State != model.RunnerRunning {
				return nil
			}
			if job != nil && job.State != model.JobFinished {
				return nil
			}
			vals, err := s.settings.Snapshot(ctx, tx)
			if err != nil {
				return err
			}
			return s.MakeUnassigned(ctx, tx, ob, r, vals)
		})
	}
	return nil
}

// eachRunner runs fn for one runner, locked with its job, in its own
// transaction and logs instead of returning errors, so one bad row does
// not stop a sweep.
func (s *Scheduler) eachRunner(ctx context.Context, id, op string, fn func(tx store.Tx, ob *tasks.Outbox, r *model.Runner, job *model.Job) error) {
	err := s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		read, err := tx.GetRunner(ctx, id)
		if err != nil {
			return err
		}
		r, job, err := LockRunnerAndJob(ctx, tx, read)
		if err != nil {
			return err
		}
		return fn(tx, ob, r, job)
	})
	if err != nil {
		attrs := []any{
			slog.String("runner", id),
			slog.String("op", op),
			slog.String("error", err.Error()),
		}
		if model.IsInvariantViolation(err) {
			attrs = append(attrs, slog.Bool("alert", true))
		}
		s.logger.Error("stale sweep step failed", attrs...)
	}
}
