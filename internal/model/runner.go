// Package model holds the broker's two entities, Runner and Job, their
// lifecycle state machines and the predicates the scheduler derives from
// them.  Nothing in here does I/O.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies which provider capability set created and
// manages a runner.  It never changes after creation.
type ProviderKind string

const (
	ProviderDev     ProviderKind = "dev"
	ProviderDocker  ProviderKind = "docker"
	ProviderGCP     ProviderKind = "gcp"
	ProviderAWS     ProviderKind = "aws"
	ProviderTransip ProviderKind = "transip"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderDev, ProviderDocker, ProviderGCP, ProviderAWS, ProviderTransip:
		return true
	}
	return false
}

// RunnerState is ordered: a larger value means more trust has been
// spent on the runner.  Comparisons between states are meaningful.
type RunnerState int

const (
	RunnerNotRunning RunnerState = iota
	RunnerCreating
	RunnerStarted
	RunnerAssigned
	RunnerRunning
	RunnerCleaning
	RunnerCleaned
)

var runnerStateNames = [...]string{
	RunnerNotRunning: "not_running",
	RunnerCreating:   "creating",
	RunnerStarted:    "started",
	RunnerAssigned:   "assigned",
	RunnerRunning:    "running",
	RunnerCleaning:   "cleaning",
	RunnerCleaned:    "cleaned",
}

func (s RunnerState) String() string {
	if s < 0 || int(s) >= len(runnerStateNames) {
		return fmt.Sprintf("RunnerState(%d)", int(s))
	}
	return runnerStateNames[s]
}

// ParseRunnerState is the inverse of RunnerState.String.
func ParseRunnerState(name string) (RunnerState, error) {
	for i, n := range runnerStateNames {
		if n == name {
			return RunnerState(i), nil
		}
	}
	return 0, fmt.Errorf("runner state %q: %w", name, ErrInvalidArgument)
}

// IsBeforeStarted: the provider has not confirmed liveness yet.
func (s RunnerState) IsBeforeStarted() bool { return s <= RunnerCreating }

// IsBeforeAssigned: safe to hand to any job.
func (s RunnerState) IsBeforeAssigned() bool { return s <= RunnerStarted }

// IsBeforeRunning: trusted, no untrusted code has executed yet.
func (s RunnerState) IsBeforeRunning() bool { return s <= RunnerAssigned }

// IsActive: counts against fleet capacity.
func (s RunnerState) IsActive() bool { return s <= RunnerRunning }

func statesWhere(pred func(RunnerState) bool) []RunnerState {
	var out []RunnerState
	for s := RunnerNotRunning; s <= RunnerCleaned; s++ {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}

// BeforeAssignedStates returns the states satisfying IsBeforeAssigned.
func BeforeAssignedStates() []RunnerState { return statesWhere(RunnerState.IsBeforeAssigned) }

// BeforeRunningStates returns the states satisfying IsBeforeRunning.
func BeforeRunningStates() []RunnerState { return statesWhere(RunnerState.IsBeforeRunning) }

// ActiveStates returns the states satisfying IsActive.
func ActiveStates() []RunnerState { return statesWhere(RunnerState.IsActive) }

// Runner is one sandboxed execution unit.
type Runner struct {
	ID       string
	PublicID string
	Kind     ProviderKind

	// Address is empty until the provider reports the runner reachable.
	Address string

	// ProviderRef is the provider's own handle (container id, instance
	// id, VPS name).  Empty until Start returns.
	ProviderRef string

	State RunnerState

	// JobID is a weak reference to the job using this runner; empty when
	// unassigned.
	JobID string

	Secret string

	CreatedAt time.Time
	UpdatedAt time.Time
	StartedAt *time.Time
}

// NewRunner returns a not_running, unassigned runner of the given kind
// with fresh identifiers and secret.
func NewRunner(kind ProviderKind) (*Runner, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	return &Runner{
		ID:       uuid.NewString(),
		PublicID: uuid.NewString(),
		Kind:     kind,
		State:    RunnerNotRunning,
		Secret:   secret,
	}, nil
}

func newSecret() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating runner secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Clone returns a deep copy.
func (r *Runner) Clone() *Runner {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// SetState moves the runner forward.  Setting the current state again is
// a no-op; any decrease is an invariant violation.  The single sanctioned
// decrease lives in Unassign.
func (r *Runner) SetState(to RunnerState) error {
	if to < r.State {
		return &InvariantError{Entity: "runner", ID: r.ID, From: r.State.String(), To: to.String()}
	}
	r.State = to
	return nil
}

// MarkStarted records the first liveness report.
func (r *Runner) MarkStarted(now time.Time) error {
	if err := r.SetState(RunnerStarted); err != nil {
		return err
	}
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	return nil
}

// Unassign detaches the runner from its job.  A runner that is assigned
// but has not run anything drops back to started; this is the only
// backward state move a runner can make.  Runners that already executed
// job code keep their state and must be cleaned by the caller.
func (r *Runner) Unassign() {
	r.JobID = ""
	if r.State == RunnerAssigned {
		r.State = RunnerStarted
	}
}

// IsAssignedTo reports whether the runner currently points at jobID.
func (r *Runner) IsAssignedTo(jobID string) bool {
	return r.JobID != "" && r.JobID == jobID
}

// SortRunnersOldestFirst orders runners by creation time, ties by id.
func SortRunnersOldestFirst(runners []*Runner) {
	slices.SortStableFunc(runners, func(a, b *Runner) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
