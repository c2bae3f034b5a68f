package scheduler

import (
	"context"
	"fmt"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
)

// LockRunnerAndJob locks a runner that was read without a lock together
// with its job, job first.  job is nil when the runner has no job or the
// job is gone.  If the runner moved to another job between the read and
// the lock, the transaction fails with store.ErrConflict and is run again.
func LockRunnerAndJob(ctx context.Context, tx store.Tx, read *model.Runner) (*model.Runner, *model.Job, error) {
	var job *model.Job
	if read.JobID != "" {
		j, err := tx.LockJob(ctx, read.JobID)
		switch {
		case err == nil:
			job = j
		case !model.IsNotFound(err):
			return nil, nil, err
		}
	}

	r, err := tx.LockRunner(ctx, read.ID)
	if err != nil {
		return nil, nil, err
	}
	if r.JobID != read.JobID {
		return nil, nil, fmt.Errorf("runner %s moved from job %q to %q: %w", r.ID, read.JobID, r.JobID, store.ErrConflict)
	}
	return r, job, nil
}
