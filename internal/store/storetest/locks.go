// Package storetest holds helpers for testing code built on store.Store.
package storetest

import (
	"context"
	"slices"
	"sync"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
)

// Lock levels, in the order a transaction must take them.
const (
	Capacity = "capacity"
	Job      = "job"
	Runner   = "runner"
)

var rank = map[string]int{Capacity: 0, Job: 1, Runner: 2}

// LockRecorder wraps a store.Store and records, per committed or failed
// transaction attempt, the order in which locks were taken.
type LockRecorder struct {
	store.Store

	mu  sync.Mutex
	txs [][]string
}

// Compile-time check.
var _ store.Store = (*LockRecorder)(nil)

// NewLockRecorder wraps s.
func NewLockRecorder(s store.Store) *LockRecorder {
	return &LockRecorder{Store: s}
}

func (l *LockRecorder) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.Store.InTx(ctx, func(tx store.Tx) error {
		rec := &recordingTx{Tx: tx}
		err := fn(rec)
		l.mu.Lock()
		l.txs = append(l.txs, rec.locks)
		l.mu.Unlock()
		return err
	})
}

// Take returns the lock sequences recorded so far and forgets them.
func (l *LockRecorder) Take() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.txs
	l.txs = nil
	return out
}

// OutOfOrder returns the first sequence that takes a lock after a lock
// of a later level, or nil when all of them follow the order.
func OutOfOrder(txs [][]string) []string {
	for _, locks := range txs {
		if !slices.IsSortedFunc(locks, func(a, b string) int { return rank[a] - rank[b] }) {
			return locks
		}
	}
	return nil
}

type recordingTx struct {
	store.Tx
	locks []string
}

func (t *recordingTx) LockCapacity(ctx context.Context) error {
	t.locks = append(t.locks, Capacity)
	return t.Tx.LockCapacity(ctx)
}

func (t *recordingTx) LockJob(ctx context.Context, id string) (*model.Job, error) {
	t.locks = append(t.locks, Job)
	return t.Tx.LockJob(ctx, id)
}

func (t *recordingTx) LockJobByRemoteID(ctx context.Context, remoteID string) (*model.Job, error) {
	t.locks = append(t.locks, Job)
	return t.Tx.LockJobByRemoteID(ctx, remoteID)
}

func (t *recordingTx) LockRunner(ctx context.Context, id string) (*model.Runner, error) {
	t.locks = append(t.locks, Runner)
	return t.Tx.LockRunner(ctx, id)
}

// ListRunners locks only the rows it returns.
func (t *recordingTx) ListRunners(ctx context.Context, f store.RunnerFilter) ([]*model.Runner, error) {
	runners, err := t.Tx.ListRunners(ctx, f)
	if len(runners) > 0 {
		t.locks = append(t.locks, Runner)
	}
	return runners, err
}
