package model

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

// ---------------------------------------------------------------------------
// needs_more_runners
//
// Two renditions of the same predicate live here: a pure function over a
// snapshot for in-process decisions, and a SQL expression for bulk
// queries.  They must stay in sync.
// ---------------------------------------------------------------------------

// ServesJob reports whether r counts as serving its job at now: it is
// running, or it became assigned within the grace period and has not had
// time to report running yet.
func ServesJob(r *Runner, now time.Time, grace time.Duration) bool {
	switch r.State {
	case RunnerRunning:
		return true
	case RunnerAssigned:
		return !r.UpdatedAt.Before(now.Add(-grace))
	default:
		return false
	}
}

// NeedsMoreRunners reports whether job has fewer serving runners than it
// wants.  runners may contain runners of other jobs; they are ignored.
// Finished jobs never need runners.
func NeedsMoreRunners(job *Job, runners []*Runner, now time.Time, grace time.Duration) bool {
	if job.State == JobFinished {
		return false
	}
	serving := 0
	for _, r := range runners {
		if r.IsAssignedTo(job.ID) && ServesJob(r, now, grace) {
			serving++
		}
	}
	return serving < job.WantedRunners
}

// NeedsMoreRunnersExpr is NeedsMoreRunners as a WHERE clause over the
// "job" table, correlated with the "runner" table.
func NeedsMoreRunnersExpr(now time.Time, grace time.Duration) exp.Expression {
	serving := goqu.Dialect("postgres").
		From("runner").
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.I("runner.job_id").Eq(goqu.I("job.id")),
			goqu.Or(
				goqu.I("runner.state").Eq(RunnerRunning.String()),
				goqu.And(
					goqu.I("runner.state").Eq(RunnerAssigned.String()),
					goqu.I("runner.updated_at").Gte(now.Add(-grace)),
				),
			),
		)

	return goqu.And(
		goqu.I("job.state").Neq(JobFinished.String()),
		goqu.I("job.wanted_runners").Gt(serving),
	)
}

// ---------------------------------------------------------------------------
// Counting helpers
// ---------------------------------------------------------------------------

// ActiveRunnersOf returns the runners assigned to jobID in an active
// state, preserving order.
func ActiveRunnersOf(jobID string, runners []*Runner) []*Runner {
	var out []*Runner
	for _, r := range runners {
		if r.IsAssignedTo(jobID) && r.State.IsActive() {
			out = append(out, r)
		}
	}
	return out
}

// StateNames converts states to their stored names.
func StateNames(states []RunnerState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}
