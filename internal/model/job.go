package model

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobState is strictly monotonic: waiting_for_runner < started < finished.
type JobState int

const (
	JobWaitingForRunner JobState = iota
	JobStarted
	JobFinished
)

var jobStateNames = [...]string{
	JobWaitingForRunner: "waiting_for_runner",
	JobStarted:          "started",
	JobFinished:         "finished",
}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStateNames) {
		return fmt.Sprintf("JobState(%d)", int(s))
	}
	return jobStateNames[s]
}

// ParseJobState is the inverse of JobState.String.
func ParseJobState(name string) (JobState, error) {
	for i, n := range jobStateNames {
		if n == name {
			return JobState(i), nil
		}
	}
	return 0, fmt.Errorf("job state %q: %w", name, ErrInvalidArgument)
}

// Job is one AutoTest run requested by a CodeGrade instance.
type Job struct {
	ID string

	// RemoteID is chosen by the instance and unique across the broker.
	RemoteID  string
	OriginURL string

	State         JobState
	WantedRunners int

	// Metadata is an opaque bag for monitoring; updates merge shallowly.
	Metadata map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob returns a waiting job wanting a single runner.
func NewJob(remoteID, originURL string) *Job {
	return &Job{
		ID:            uuid.NewString(),
		RemoteID:      remoteID,
		OriginURL:     originURL,
		State:         JobWaitingForRunner,
		WantedRunners: 1,
		Metadata:      map[string]any{},
	}
}

// Clone returns a copy with its own metadata map.
func (j *Job) Clone() *Job {
	c := *j
	c.Metadata = maps.Clone(j.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return &c
}

// SetState moves the job forward.  Equal is a no-op, lower is an
// invariant violation.
func (j *Job) SetState(to JobState) error {
	if to < j.State {
		return &InvariantError{Entity: "job", ID: j.ID, From: j.State.String(), To: to.String()}
	}
	j.State = to
	return nil
}

// SetWantedRunners stores n clamped to [1, maxPerJob].
func (j *Job) SetWantedRunners(n, maxPerJob int) {
	j.WantedRunners = ClampWantedRunners(n, maxPerJob)
}

// ClampWantedRunners clamps n to [1, maxPerJob].
func ClampWantedRunners(n, maxPerJob int) int {
	if maxPerJob < 1 {
		maxPerJob = 1
	}
	return max(1, min(n, maxPerJob))
}

// MergeMetadata shallow-merges update into the job's metadata.
func (j *Job) MergeMetadata(update map[string]any) {
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	maps.Copy(j.Metadata, update)
}

// SortJobsOldestFirst orders jobs by creation time, ties by id.
func SortJobsOldestFirst(jobs []*Job) {
	slices.SortStableFunc(jobs, func(a, b *Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}
