package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/tasks"
)

// TryUseRunner binds r to job when that is allowed and reports whether
// r now serves job.  Both rows must be locked in tx.
//
// A runner is usable when it already belongs to job, or when it has not
// been assigned yet, the job needs more runners and the runner is either
// free or can be stolen.  A runner can be stolen only when its current
// job keeps at least one other active runner.
func (s *Scheduler) TryUseRunner(ctx context.Context, tx store.Tx, ob *tasks.Outbox, job *model.Job, r *model.Runner) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.TryUseRunner")
	defer span.End()
	span.SetAttributes(runnerAttrs(r)...)
	span.SetAttributes(attribute.String("job.id", job.ID))

	if r.IsAssignedTo(job.ID) && r.State.IsActive() {
		return true, nil
	}
	if !r.State.IsBeforeAssigned() || job.State == model.JobFinished {
		return false, nil
	}

	vals, err := s.settings.Snapshot(ctx, tx)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()

	current, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: job.ID, States: model.ActiveStates()})
	if err != nil {
		return false, err
	}
	if !model.NeedsMoreRunners(job, current, now, vals.AssignedGracePeriod) {
		return false, nil
	}

	stolenFrom := r.JobID
	if stolenFrom != "" {
		ok, err := s.canSteal(ctx, tx, r)
		if err != nil || !ok {
			return false, err
		}
	}

	r.JobID = job.ID
	if err := tx.UpdateRunner(ctx, r); err != nil {
		return false, fmt.Errorf("bind runner %s to job %s: %w", r.ID, job.ID, err)
	}
	if stolenFrom != "" {
		span.SetAttributes(attribute.String("job.stolen_from", stolenFrom))
		if s.runnersStolen != nil {
			s.runnersStolen.Add(ctx, 1)
		}
		s.logRunner(r).Info("runner stolen", slog.String("from_job", stolenFrom))
	}

	// Over target now: hand back one runner that has not been assigned,
	// never one that is running.
	if len(current)+1 > job.WantedRunners {
		if excess := releasable(current); excess != nil {
			if err := s.MakeUnassigned(ctx, tx, ob, excess, vals); err != nil {
				return false, err
			}
		}
	}

	ob.Add(tasks.MaybeStartMore())
	return true, nil
}

// canSteal reports whether r's current job keeps another active runner
// if r is taken away.
//
// TODO: weigh the relative need of both jobs; today a job wanting ten
// runners cannot take one from a job that has two of its two.
func (s *Scheduler) canSteal(ctx context.Context, tx store.Tx, r *model.Runner) (bool, error) {
	donor, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: r.JobID, States: model.ActiveStates()})
	if err != nil {
		return false, err
	}
	for _, other := range donor {
		if other.ID != r.ID {
			return true, nil
		}
	}
	return false, nil
}

// releasable picks the least advanced before-assigned runner, newest
// first among equals.
func releasable(runners []*model.Runner) *model.Runner {
	var pick *model.Runner
	for _, r := range slices.Backward(runners) {
		if !r.State.IsBeforeAssigned() {
			continue
		}
		if pick == nil || r.State < pick.State {
			pick = r
		}
	}
	return pick
}

// AddRunnersToJob fills the gap between job's wanted and active runners,
// first from pool and then by creating up to budget new runners.  New
// runners are persisted with a start task in ob; the provider is only
// called once tx commits.  It returns how many runners were created and
// what is left of pool.
func (s *Scheduler) AddRunnersToJob(ctx context.Context, tx store.Tx, ob *tasks.Outbox, job *model.Job, pool []*model.Runner, budget int) (int, []*model.Runner, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.AddRunnersToJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.wanted_runners", job.WantedRunners),
		attribute.Int("pool", len(pool)),
		attribute.Int("budget", budget),
	)

	if job.State == model.JobFinished {
		return 0, pool, nil
	}
	active, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: job.ID, States: model.ActiveStates()})
	if err != nil {
		return 0, pool, err
	}
	needed := max(0, job.WantedRunners-len(active))

	for needed > 0 && len(pool) > 0 {
		r := pool[0]
		pool = pool[1:]
		r.JobID = job.ID
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return 0, pool, fmt.Errorf("bind runner %s to job %s: %w", r.ID, job.ID, err)
		}
		needed--
		s.logRunner(r).Debug("reusing unassigned runner")
	}

	created := 0
	for needed > 0 && created < budget {
		r, err := s.createRunner(ctx, tx, ob, job.ID)
		if err != nil {
			return created, pool, err
		}
		created++
		needed--
		s.logRunner(r).Info("runner created for job", slog.String("remote_id", job.RemoteID))
	}

	span.SetAttributes(attribute.Int("created", created), attribute.Int("unfilled", needed))
	return created, pool, nil
}

func (s *Scheduler) createRunner(ctx context.Context, tx store.Tx, ob *tasks.Outbox, jobID string) (*model.Runner, error) {
	r, err := model.NewRunner(s.defaultKind)
	if err != nil {
		return nil, err
	}
	r.JobID = jobID
	if err := tx.CreateRunner(ctx, r); err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}
	ob.Add(tasks.Start(r.ID))
	if s.runnersCreated != nil {
		s.runnersCreated.Add(ctx, 1, metricKind(r.Kind))
	}
	return r, nil
}

// FillJob runs AddRunnersToJob for a single job against the fleet-wide
// pool and budget.  tx must hold the capacity lock, taken before job was
// locked.
func (s *Scheduler) FillJob(ctx context.Context, tx store.Tx, ob *tasks.Outbox, job *model.Job) (int, error) {
	vals, err := s.settings.Snapshot(ctx, tx)
	if err != nil {
		return 0, err
	}
	pool, budget, err := s.capacity(ctx, tx, vals)
	if err != nil {
		return 0, err
	}
	created, _, err := s.AddRunnersToJob(ctx, tx, ob, job, pool, budget)
	return created, err
}

// capacity returns the unassigned runners that can still be handed out
// and how many runners may be created before the global cap is reached.
func (s *Scheduler) capacity(ctx context.Context, tx store.Tx, vals settings.Values) ([]*model.Runner, int, error) {
	active, err := tx.CountRunners(ctx, model.ActiveStates())
	if err != nil {
		return nil, 0, err
	}
	pool, err := tx.ListRunners(ctx, store.RunnerFilter{Unassigned: true, States: model.BeforeAssignedStates()})
	if err != nil {
		return nil, 0, err
	}
	return pool, max(0, vals.MaxRunners-active), nil
}

// MaybeStartMoreRunners is the global sweep.  Jobs that need runners are
// served oldest first from the unassigned pool and the remaining global
// budget; afterwards spare runners are started up to
// minimum_amount_extra_runners.  Each job is handled in its own
// transaction so one failing job does not block the others.
func (s *Scheduler) MaybeStartMoreRunners(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.MaybeStartMoreRunners")
	defer span.End()
	if s.sweeps != nil {
		s.sweeps.Add(ctx, 1, metricSweep("start_more"))
	}

	var jobIDs []string
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		grace, err := s.settings.Duration(ctx, tx, settings.AssignedGracePeriod)
		if err != nil {
			return err
		}
		jobs, err := tx.ListJobsNeedingRunners(ctx, s.clock.Now(), grace)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			jobIDs = append(jobIDs, j.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list jobs needing runners: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs", len(jobIDs)))

	for _, id := range jobIDs {
		exhausted := false
		err := s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
			exhausted = false
			if err := tx.LockCapacity(ctx); err != nil {
				return err
			}
			vals, err := s.settings.Snapshot(ctx, tx)
			if err != nil {
				return err
			}
			job, err := tx.LockJob(ctx, id)
			if err != nil {
				return err
			}
			pool, budget, err := s.capacity(ctx, tx, vals)
			if err != nil {
				return err
			}
			created, rest, err := s.AddRunnersToJob(ctx, tx, ob, job, pool, budget)
			if err != nil {
				return err
			}
			exhausted = len(rest) == 0 && created >= budget
			return nil
		})
		if err != nil {
			s.logger.Error("filling job failed",
				slog.String("job", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exhausted {
			s.logger.Debug("runner capacity exhausted", slog.Int("jobs_left", len(jobIDs)))
			break
		}
	}

	if err := s.startSpareRunners(ctx); err != nil {
		return fmt.Errorf("start spare runners: %w", err)
	}
	return nil
}

// startSpareRunners keeps minimum_amount_extra_runners unassigned
// runners around, within the global cap.
func (s *Scheduler) startSpareRunners(ctx context.Context) error {
	return s.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		if err := tx.LockCapacity(ctx); err != nil {
			return err
		}
		vals, err := s.settings.Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		pool, budget, err := s.capacity(ctx, tx, vals)
		if err != nil {
			return err
		}
		want := min(max(0, vals.MinimumExtraRunners-len(pool)), budget)
		for range want {
			r, err := s.createRunner(ctx, tx, ob, "")
			if err != nil {
				return err
			}
			s.logRunner(r).Info("spare runner created")
		}
		return nil
	})
}

// MakeUnassigned detaches r from its job.  A runner that has not run job
// code yet goes back to the pool (assigned drops to started) and is
// re-examined after runner_max_time_alive.  A runner that may have run
// untrusted code is never reused: it moves to cleaning and is killed.
// r must be locked in tx.
func (s *Scheduler) MakeUnassigned(ctx context.Context, tx store.Tx, ob *tasks.Outbox, r *model.Runner, vals settings.Values) error {
	_, span := s.tracer.Start(ctx, "scheduler.MakeUnassigned")
	defer span.End()
	span.SetAttributes(runnerAttrs(r)...)

	if r.State.IsBeforeRunning() {
		r.Unassign()
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return fmt.Errorf("unassign runner %s: %w", r.ID, err)
		}
		ob.Add(
			tasks.KillIfUnneededAfter(r.ID, vals.RunnerMaxTimeAlive),
			tasks.MaybeStartMore(),
		)
		s.logRunner(r).Info("runner unassigned")
		return nil
	}

	r.JobID = ""
	if r.State < model.RunnerCleaning {
		if err := r.SetState(model.RunnerCleaning); err != nil {
			return err
		}
	}
	if err := tx.UpdateRunner(ctx, r); err != nil {
		return fmt.Errorf("unassign runner %s: %w", r.ID, err)
	}
	ob.Add(tasks.Kill(r.ID, true, false))
	s.logRunner(r).Info("used runner unassigned, cleaning")
	return nil
}

// WorkFor answers a runner asking which instances to contact.  r and
// its job (nil when it has none) must be locked in tx, see
// LockRunnerAndJob.
//
// A bound runner whose job no longer needs it, counting every other
// runner of the job, is unassigned first.  A bound runner that has only
// been claimed commits to its job here and becomes assigned.  Runners
// that are not assigned get the origin URLs of every job that needs
// runners, oldest job first; assigned or running runners only get their
// own job's URL.
func (s *Scheduler) WorkFor(ctx context.Context, tx store.Tx, ob *tasks.Outbox, r *model.Runner, job *model.Job) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.WorkFor")
	defer span.End()
	span.SetAttributes(runnerAttrs(r)...)

	vals, err := s.settings.Snapshot(ctx, tx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	if r.JobID != "" && r.State.IsBeforeRunning() {
		needed := false
		if job != nil {
			others, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: job.ID, States: model.ActiveStates()})
			if err != nil {
				return nil, err
			}
			others = slices.DeleteFunc(others, func(o *model.Runner) bool { return o.ID == r.ID })
			needed = model.NeedsMoreRunners(job, others, now, vals.AssignedGracePeriod)
		}
		switch {
		case !needed:
			if err := s.MakeUnassigned(ctx, tx, ob, r, vals); err != nil {
				return nil, err
			}
			job = nil
		case r.State == model.RunnerStarted:
			if err := r.SetState(model.RunnerAssigned); err != nil {
				return nil, err
			}
			if err := tx.UpdateRunner(ctx, r); err != nil {
				return nil, fmt.Errorf("assign runner %s: %w", r.ID, err)
			}
			s.logRunner(r).Info("runner assigned")
		}
	}

	switch {
	case r.State.IsBeforeAssigned():
		jobs, err := tx.ListJobsNeedingRunners(ctx, now, vals.AssignedGracePeriod)
		if err != nil {
			return nil, err
		}
		var urls []string
		if job != nil {
			urls = append(urls, job.OriginURL)
		}
		for _, j := range jobs {
			if !slices.Contains(urls, j.OriginURL) {
				urls = append(urls, j.OriginURL)
			}
		}
		return urls, nil
	case r.State.IsActive() && job != nil:
		return []string{job.OriginURL}, nil
	}
	return nil, nil
}
