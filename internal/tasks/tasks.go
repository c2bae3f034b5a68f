// Package tasks is the broker's asynchronous work layer.  Request
// handlers append tasks to an Outbox while their transaction is open;
// once it commits, the outbox is handed to a Queue whose worker pool
// performs the slow or fleet-wide work (provider calls, sweeps).
package tasks

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies what a task does.
type Kind int

const (
	StartRunner Kind = iota + 1
	KillRunner
	KillIfUnneeded
	MaybeStartMoreRunners
	CleanupStaleRunners
)

func (k Kind) String() string {
	switch k {
	case StartRunner:
		return "start_runner"
	case KillRunner:
		return "kill_runner"
	case KillIfUnneeded:
		return "kill_if_unneeded"
	case MaybeStartMoreRunners:
		return "maybe_start_more_runners"
	case CleanupStaleRunners:
		return "cleanup_stale_runners"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Task is one unit of asynchronous work.
type Task struct {
	Kind     Kind
	RunnerID string

	// Delay postpones execution; zero runs as soon as a worker is free.
	Delay time.Duration

	// Kill options.
	ShutdownOnly  bool
	MaybeStartNew bool
}

// Start provisions the runner with the given id.
func Start(runnerID string) Task {
	return Task{Kind: StartRunner, RunnerID: runnerID}
}

// Kill tears a runner down.
func Kill(runnerID string, maybeStartNew, shutdownOnly bool) Task {
	return Task{Kind: KillRunner, RunnerID: runnerID, MaybeStartNew: maybeStartNew, ShutdownOnly: shutdownOnly}
}

// KillIfUnneededAfter re-examines an idle runner after delay.
func KillIfUnneededAfter(runnerID string, delay time.Duration) Task {
	return Task{Kind: KillIfUnneeded, RunnerID: runnerID, Delay: delay}
}

// MaybeStartMore triggers the global sweep.
func MaybeStartMore() Task {
	return Task{Kind: MaybeStartMoreRunners}
}

// CleanupStale triggers the stale runner sweep.
func CleanupStale() Task {
	return Task{Kind: CleanupStaleRunners}
}

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, tasks ...Task)
}

// Handler executes one task.
type Handler func(ctx context.Context, t Task) error

// Outbox collects tasks during a transaction.  It is not safe for
// concurrent use; each transaction gets its own.
type Outbox struct {
	tasks []Task
}

// Add appends tasks.
func (o *Outbox) Add(t ...Task) {
	o.tasks = append(o.tasks, t...)
}

// Tasks returns what was added, in order.
func (o *Outbox) Tasks() []Task {
	return o.tasks
}

// Len reports how many tasks are pending.
func (o *Outbox) Len() int { return len(o.tasks) }
