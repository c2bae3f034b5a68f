// Package broker holds the request-level operations CodeGrade instances,
// runners and operators call.  Every operation is one store transaction
// with the rows it touches locked; follow-up work is queued only after
// that transaction commits.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/scheduler"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/tasks"
)

// JobSummary is what instances see of a job.
type JobSummary struct {
	RemoteID      string         `json:"remote_id"`
	State         string         `json:"state"`
	WantedRunners int            `json:"wanted_runners"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func summarizeJob(j *model.Job) JobSummary {
	return JobSummary{
		RemoteID:      j.RemoteID,
		State:         j.State.String(),
		WantedRunners: j.WantedRunners,
		Metadata:      j.Metadata,
	}
}

// RunnerSummary is what a runner sees of itself.
type RunnerSummary struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

func summarizeRunner(r *model.Runner) RunnerSummary {
	return RunnerSummary{
		ID:        r.PublicID,
		Kind:      string(r.Kind),
		State:     r.State.String(),
		StartedAt: r.StartedAt,
	}
}

// RegisterJob is the input of Broker.RegisterJob.
type RegisterJob struct {
	RemoteID string

	// WantedRunners is left unchanged when nil.  New jobs default to 1.
	WantedRunners *int

	// Metadata is merged shallowly into the stored bag.
	Metadata map[string]any

	// UpdateOnly fails with NotFound instead of creating the job.
	UpdateOnly bool
}

// Broker implements the request-level operations.
type Broker struct {
	sched  *scheduler.Scheduler
	logger *slog.Logger
	tracer trace.Tracer

	jobsRegistered metric.Int64Counter
}

// New creates a Broker on top of sched.
func New(sched *scheduler.Scheduler, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Broker{
		sched:  sched,
		logger: logger,
		tracer: otel.Tracer("atbroker/broker"),
	}

	var err error
	b.jobsRegistered, err = otel.Meter("atbroker/broker").Int64Counter(
		"broker.jobs.registered",
		metric.WithDescription("Total number of register-job calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create jobsRegistered counter", slog.String("error", err.Error()))
	}
	return b
}

// lockOwnJob locks the job with remoteID and hides it from instances
// other than its origin.
func lockOwnJob(ctx context.Context, tx store.Tx, origin, remoteID string) (*model.Job, error) {
	job, err := tx.LockJobByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if job.OriginURL != origin {
		return nil, fmt.Errorf("job %q: %w", remoteID, model.ErrNotFound)
	}
	return job, nil
}

// retryDuplicate runs op again once when it lost an insert race.  The
// second attempt finds the row the other transaction created.
func retryDuplicate(op func() error) error {
	err := op()
	if store.IsDuplicate(err) {
		err = op()
	}
	return err
}

// ---------------------------------------------------------------------------
// Instance operations
// ---------------------------------------------------------------------------

// RegisterJob creates or updates the job identified by req.RemoteID and
// tries to give it the runners it wants.
func (b *Broker) RegisterJob(ctx context.Context, origin string, req RegisterJob) (JobSummary, error) {
	ctx, span := b.tracer.Start(ctx, "broker.RegisterJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.remote_id", req.RemoteID))

	if req.RemoteID == "" {
		return JobSummary{}, fmt.Errorf("remote id is required: %w", model.ErrInvalidArgument)
	}

	var (
		summary JobSummary
		created bool
	)
	err := retryDuplicate(func() error {
		return b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
			created = false
			if err := tx.LockCapacity(ctx); err != nil {
				return err
			}
			job, err := lockOwnJob(ctx, tx, origin, req.RemoteID)
			switch {
			case model.IsNotFound(err) && !req.UpdateOnly:
				if _, lookupErr := tx.LockJobByRemoteID(ctx, req.RemoteID); lookupErr == nil {
					// Exists, but belongs to another instance.
					return err
				}
				job = model.NewJob(req.RemoteID, origin)
				b.apply(job, req)
				if err := tx.CreateJob(ctx, job); err != nil {
					return err
				}
				created = true
			case err != nil:
				return err
			default:
				b.apply(job, req)
				if err := tx.UpdateJob(ctx, job); err != nil {
					return err
				}
			}

			if job.State != model.JobFinished {
				if _, err := b.sched.FillJob(ctx, tx, ob, job); err != nil {
					return err
				}
			}
			summary = summarizeJob(job)
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return JobSummary{}, err
	}

	if b.jobsRegistered != nil {
		b.jobsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.Bool("created", created)))
	}
	b.logger.Info("job registered",
		slog.String("remote_id", req.RemoteID),
		slog.String("origin", origin),
		slog.Bool("created", created),
		slog.Int("wanted_runners", summary.WantedRunners),
	)
	return summary, nil
}

func (b *Broker) apply(job *model.Job, req RegisterJob) {
	if req.WantedRunners != nil {
		job.SetWantedRunners(*req.WantedRunners, b.sched.MaxRunnersPerJob())
	}
	if len(req.Metadata) > 0 {
		job.MergeMetadata(req.Metadata)
	}
}

// DeleteJob finishes a job and releases its runners.  Deleting an
// unknown job records it as finished so it can never start later;
// deleting a finished job does nothing.
func (b *Broker) DeleteJob(ctx context.Context, origin, remoteID string) error {
	ctx, span := b.tracer.Start(ctx, "broker.DeleteJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.remote_id", remoteID))

	return retryDuplicate(func() error {
		return b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
			job, err := lockOwnJob(ctx, tx, origin, remoteID)
			if model.IsNotFound(err) {
				if _, lookupErr := tx.LockJobByRemoteID(ctx, remoteID); lookupErr == nil {
					return err
				}
				job = model.NewJob(remoteID, origin)
				job.State = model.JobFinished
				b.logger.Warn("delete for unknown job, storing it finished", slog.String("remote_id", remoteID))
				return tx.CreateJob(ctx, job)
			}
			if err != nil {
				return err
			}
			if job.State == model.JobFinished {
				return nil
			}

			if err := job.SetState(model.JobFinished); err != nil {
				return err
			}
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}

			runners, err := tx.ListRunners(ctx, store.RunnerFilter{JobID: job.ID, States: model.ActiveStates()})
			if err != nil {
				return err
			}
			vals, err := b.sched.Settings().Snapshot(ctx, tx)
			if err != nil {
				return err
			}
			for _, r := range runners {
				if err := b.sched.MakeUnassigned(ctx, tx, ob, r, vals); err != nil {
					return err
				}
			}
			b.logger.Info("job finished",
				slog.String("remote_id", remoteID),
				slog.Int("released_runners", len(runners)),
			)
			return nil
		})
	})
}

// RemoveRunner releases the runner at address from the job.
func (b *Broker) RemoveRunner(ctx context.Context, origin, remoteID, address string) error {
	ctx, span := b.tracer.Start(ctx, "broker.RemoveRunner")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.remote_id", remoteID),
		attribute.String("runner.address", address),
	)

	return b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		job, err := lockOwnJob(ctx, tx, origin, remoteID)
		if err != nil {
			return err
		}
		runners, err := tx.ListRunners(ctx, store.RunnerFilter{
			JobID:   job.ID,
			Address: address,
			States:  model.ActiveStates(),
		})
		if err != nil {
			return err
		}
		if len(runners) == 0 {
			return fmt.Errorf("runner %s of job %q: %w", address, remoteID, model.ErrNotFound)
		}
		vals, err := b.sched.Settings().Snapshot(ctx, tx)
		if err != nil {
			return err
		}
		for _, r := range runners {
			if err := b.sched.MakeUnassigned(ctx, tx, ob, r, vals); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimRunner binds the runner at address to the job if it can be used.
func (b *Broker) ClaimRunner(ctx context.Context, origin, remoteID, address string) error {
	ctx, span := b.tracer.Start(ctx, "broker.ClaimRunner")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.remote_id", remoteID),
		attribute.String("runner.address", address),
	)

	return b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		job, err := lockOwnJob(ctx, tx, origin, remoteID)
		if err != nil {
			return err
		}
		runners, err := tx.ListRunners(ctx, store.RunnerFilter{Address: address, States: model.ActiveStates()})
		if err != nil {
			return err
		}
		for _, r := range runners {
			ok, err := b.sched.TryUseRunner(ctx, tx, ob, job, r)
			if err != nil {
				return err
			}
			if ok {
				b.logger.Info("runner claimed",
					slog.String("remote_id", remoteID),
					slog.String("runner", r.ID),
				)
				return nil
			}
		}
		return fmt.Errorf("no claimable runner at %s for job %q: %w", address, remoteID, model.ErrNotFound)
	})
}

// ---------------------------------------------------------------------------
// Runner operations
// ---------------------------------------------------------------------------

func (b *Broker) verify(r *model.Runner, secret string) error {
	p, err := b.sched.Providers().Get(r.Kind)
	if err != nil {
		return err
	}
	if !p.VerifyCredential(r, secret) {
		b.logger.Warn("runner credential rejected",
			slog.String("runner", r.ID),
			slog.String("kind", string(r.Kind)),
		)
		return fmt.Errorf("runner %s: %w", r.PublicID, model.ErrPermissionDenied)
	}
	return nil
}

// lockRunner checks the runner's secret and locks it with its job.
func (b *Broker) lockRunner(ctx context.Context, tx store.Tx, publicID, secret string) (*model.Runner, *model.Job, error) {
	read, err := tx.GetRunnerByPublicID(ctx, publicID)
	if err != nil {
		return nil, nil, err
	}
	if err := b.verify(read, secret); err != nil {
		return nil, nil, err
	}
	return scheduler.LockRunnerAndJob(ctx, tx, read)
}

// ReportAlive records that the runner calling from address is up.  Only
// runners that are creating or started may report; a creating runner
// becomes started.
func (b *Broker) ReportAlive(ctx context.Context, address, secret string) (RunnerSummary, error) {
	ctx, span := b.tracer.Start(ctx, "broker.ReportAlive")
	defer span.End()
	span.SetAttributes(attribute.String("runner.address", address))

	var summary RunnerSummary
	err := b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		runners, err := tx.ListRunners(ctx, store.RunnerFilter{
			Address: address,
			States:  []model.RunnerState{model.RunnerCreating, model.RunnerStarted},
		})
		if err != nil {
			return err
		}
		if len(runners) == 0 {
			return fmt.Errorf("no starting runner at %s: %w", address, model.ErrNotFound)
		}

		var r *model.Runner
		for _, cand := range runners {
			if err := b.verify(cand, secret); err == nil {
				r = cand
				break
			}
		}
		if r == nil {
			return fmt.Errorf("runner at %s: %w", address, model.ErrPermissionDenied)
		}

		if r.State == model.RunnerCreating {
			if err := r.MarkStarted(b.sched.Now()); err != nil {
				return err
			}
			if err := tx.UpdateRunner(ctx, r); err != nil {
				return err
			}
			ob.Add(tasks.MaybeStartMore())
			b.logger.Info("runner alive", slog.String("runner", r.ID), slog.String("address", address))
		}
		summary = summarizeRunner(r)
		return nil
	})
	return summary, err
}

// PollForWork returns the instance URLs the runner should contact, most
// relevant first.  An empty list means: try again later.
func (b *Broker) PollForWork(ctx context.Context, publicID, secret string) ([]string, error) {
	ctx, span := b.tracer.Start(ctx, "broker.PollForWork")
	defer span.End()
	span.SetAttributes(attribute.String("runner.public_id", publicID))

	var urls []string
	err := b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		r, job, err := b.lockRunner(ctx, tx, publicID, secret)
		if err != nil {
			return err
		}
		urls, err = b.sched.WorkFor(ctx, tx, ob, r, job)
		return err
	})
	if urls == nil {
		urls = []string{}
	}
	return urls, err
}

// ConfirmStarted records that the runner began executing work for the
// instance at originURL.  It must be bound to a job of that instance.
// Confirming a runner that already runs that job is a no-op.
func (b *Broker) ConfirmStarted(ctx context.Context, publicID, secret, address, originURL string) error {
	ctx, span := b.tracer.Start(ctx, "broker.ConfirmStarted")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.public_id", publicID),
		attribute.String("job.origin", originURL),
	)

	return b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		r, job, err := b.lockRunner(ctx, tx, publicID, secret)
		if err != nil {
			return err
		}
		if r.Address != address || job == nil {
			return fmt.Errorf("runner %s is not bound here: %w", publicID, model.ErrNotFound)
		}
		if job.OriginURL != originURL {
			return fmt.Errorf("runner %s works for another instance: %w", publicID, model.ErrNotFound)
		}

		switch r.State {
		case model.RunnerRunning:
			return nil
		case model.RunnerStarted, model.RunnerAssigned:
		default:
			return fmt.Errorf("runner %s is %s: %w", publicID, r.State, model.ErrNotFound)
		}
		if job.State == model.JobFinished {
			return fmt.Errorf("job %q is finished: %w", job.RemoteID, model.ErrNotFound)
		}

		if err := r.SetState(model.RunnerRunning); err != nil {
			return err
		}
		if err := tx.UpdateRunner(ctx, r); err != nil {
			return err
		}
		if err := job.SetState(model.JobStarted); err != nil {
			return err
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		b.logger.Info("runner running job",
			slog.String("runner", r.ID),
			slog.String("remote_id", job.RemoteID),
		)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// Setting reads one setting.
func (b *Broker) Setting(ctx context.Context, name string) (string, error) {
	key, err := settings.ParseKey(name)
	if err != nil {
		return "", err
	}
	var value string
	err = b.sched.InTx(ctx, func(tx store.Tx, _ *tasks.Outbox) error {
		value, err = b.sched.Settings().Get(ctx, tx, key)
		return err
	})
	return value, err
}

// Settings reads every setting.
func (b *Broker) Settings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(settings.Keys()))
	err := b.sched.InTx(ctx, func(tx store.Tx, _ *tasks.Outbox) error {
		for _, k := range settings.Keys() {
			v, err := b.sched.Settings().Get(ctx, tx, k)
			if err != nil {
				return err
			}
			out[string(k)] = v
		}
		return nil
	})
	return out, err
}

// SetSetting validates and stores a setting and runs its effects once
// the change is committed.
func (b *Broker) SetSetting(ctx context.Context, name, value string) (string, error) {
	key, err := settings.ParseKey(name)
	if err != nil {
		return "", err
	}
	var stored string
	err = b.sched.InTx(ctx, func(tx store.Tx, ob *tasks.Outbox) error {
		var effects []tasks.Task
		stored, effects, err = b.sched.Settings().Set(ctx, tx, key, value)
		if err != nil {
			return err
		}
		ob.Add(effects...)
		return nil
	})
	if err != nil {
		return "", err
	}
	b.logger.Info("setting changed", slog.String("key", name), slog.String("value", stored))
	return stored, nil
}
