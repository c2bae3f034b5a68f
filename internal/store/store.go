// Package store defines the persistence contract the scheduler relies on:
// transactions in which every inspected Runner or Job row is write-locked
// until commit.  Implementations live in the memory and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/terrpan/atbroker/internal/model"
)

// ErrDuplicate is returned when an insert violates a uniqueness
// constraint (e.g. a second job with the same remote id).
var ErrDuplicate = fmt.Errorf("duplicate key: %w", model.ErrInvariantViolation)

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// ErrConflict marks a transaction that lost a lock race (a detected
// deadlock, a serialization failure, or a row that changed between an
// unlocked read and its lock).  Running the transaction again is safe.
var ErrConflict = errors.New("transaction conflict")

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

const (
	conflictAttempts = 3
	conflictDelay    = 10 * time.Millisecond
)

// RetryConflicts runs op again while it fails with ErrConflict.  Store
// implementations wrap InTx with it.
func RetryConflicts(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsConflict),
		retry.LastErrorOnly(true),
	)
}

// Store opens transactions.
type Store interface {
	// InTx runs fn in a transaction.  The transaction commits when fn
	// returns nil and rolls back otherwise.  A transaction failing with
	// ErrConflict is run again, so fn must not keep state across calls.
	// Provider I/O must never happen inside fn.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Kind names the implementation ("memory", "postgres").
	Kind() string

	Close() error
}

// RunnerFilter narrows ListRunners.  Zero values mean "any".
type RunnerFilter struct {
	// States restricts to the given states.
	States []model.RunnerState

	// JobID restricts to runners assigned to this job.
	JobID string

	// Unassigned restricts to runners without a job.  Mutually exclusive
	// with JobID.
	Unassigned bool

	// Address restricts to runners with this network address.
	Address string

	// UpdatedBefore restricts to runners last updated before this time.
	UpdatedBefore time.Time
}

// Tx is one transaction.  Lock* and ListRunners take a write lock on the
// returned rows which is held until the transaction ends.  Get*,
// CountRunners, ListJobsNeedingRunners and GetSetting read without
// locking.  Results are ordered oldest first by creation time.
//
// Locks are always taken in the same order: the capacity lock, then job
// rows, then runner rows.  Work that starts from a runner reads it with
// GetRunner or GetRunnerByPublicID, locks its job and only then locks
// the runner, checking that it did not move to another job meanwhile.
type Tx interface {
	// LockCapacity serialises transactions that may create runners so
	// the fleet-wide active count cannot overshoot its cap.  It must be
	// taken before any job or runner lock and may be taken again.
	LockCapacity(ctx context.Context) error

	CreateRunner(ctx context.Context, r *model.Runner) error
	UpdateRunner(ctx context.Context, r *model.Runner) error
	LockRunner(ctx context.Context, id string) (*model.Runner, error)
	GetRunner(ctx context.Context, id string) (*model.Runner, error)
	GetRunnerByPublicID(ctx context.Context, publicID string) (*model.Runner, error)
	ListRunners(ctx context.Context, f RunnerFilter) ([]*model.Runner, error)
	CountRunners(ctx context.Context, states []model.RunnerState) (int, error)

	CreateJob(ctx context.Context, j *model.Job) error
	UpdateJob(ctx context.Context, j *model.Job) error
	LockJob(ctx context.Context, id string) (*model.Job, error)
	LockJobByRemoteID(ctx context.Context, remoteID string) (*model.Job, error)

	// ListJobsNeedingRunners returns the unfinished jobs for which
	// model.NeedsMoreRunners holds at now.  The rows are not locked;
	// callers that act on a job lock it with LockJob.
	ListJobsNeedingRunners(ctx context.Context, now time.Time, grace time.Duration) ([]*model.Job, error)

	// GetSetting returns the raw stored value and whether it was set.
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}
