// Package memory implements store.Store on top of go-memdb.  Write
// transactions in go-memdb are exclusive, so every read inside InTx is
// implicitly locked until commit.  Used for local development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-memdb"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
)

const (
	tableRunner  = "runner"
	tableJob     = "job"
	tableSetting = "setting"
)

type settingRow struct {
	Key   string
	Value string
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRunner: {
				Name: tableRunner,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"public_id": {Name: "public_id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "PublicID"}},
					"job_id":    {Name: "job_id", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "JobID"}},
				},
			},
			tableJob: {
				Name: tableJob,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"remote_id": {Name: "remote_id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "RemoteID"}},
				},
			},
			tableSetting: {
				Name: tableSetting,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
				},
			},
		},
	}
}

// Store is an in-memory store.Store.
type Store struct {
	db    *memdb.MemDB
	clock clock.PassiveClock
}

// Compile-time check.
var _ store.Store = (*Store)(nil)

// New creates an empty store.  clk stamps created/updated times; nil
// means the real clock.
func New(clk clock.PassiveClock) (*Store, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memdb schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// InTx runs fn in an exclusive write transaction, again when it fails
// with store.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.RetryConflicts(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		txn := s.db.Txn(true)
		defer txn.Abort()

		if err := fn(&tx{txn: txn, clock: s.clock}); err != nil {
			return err
		}
		txn.Commit()
		return nil
	})
}

func (s *Store) Kind() string { return "memory" }

func (s *Store) Close() error { return nil }

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

type tx struct {
	txn   *memdb.Txn
	clock clock.PassiveClock
}

// Exclusive write transactions already serialise everything.
func (t *tx) LockCapacity(context.Context) error { return nil }

func (t *tx) CreateRunner(_ context.Context, r *model.Runner) error {
	existing, err := t.txn.First(tableRunner, "id", r.ID)
	if err != nil {
		return fmt.Errorf("lookup runner %s: %w", r.ID, err)
	}
	if existing != nil {
		return fmt.Errorf("runner %s: %w", r.ID, store.ErrDuplicate)
	}
	now := t.clock.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := t.txn.Insert(tableRunner, r.Clone()); err != nil {
		return fmt.Errorf("insert runner %s: %w", r.ID, err)
	}
	return nil
}

func (t *tx) UpdateRunner(_ context.Context, r *model.Runner) error {
	existing, err := t.txn.First(tableRunner, "id", r.ID)
	if err != nil {
		return fmt.Errorf("lookup runner %s: %w", r.ID, err)
	}
	if existing == nil {
		return fmt.Errorf("runner %s: %w", r.ID, model.ErrNotFound)
	}
	r.UpdatedAt = t.clock.Now()
	if err := t.txn.Insert(tableRunner, r.Clone()); err != nil {
		return fmt.Errorf("update runner %s: %w", r.ID, err)
	}
	return nil
}

func (t *tx) firstRunner(index, value string) (*model.Runner, error) {
	raw, err := t.txn.First(tableRunner, index, value)
	if err != nil {
		return nil, fmt.Errorf("lookup runner by %s: %w", index, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("runner %s=%q: %w", index, value, model.ErrNotFound)
	}
	return raw.(*model.Runner).Clone(), nil
}

func (t *tx) LockRunner(_ context.Context, id string) (*model.Runner, error) {
	return t.firstRunner("id", id)
}

func (t *tx) GetRunner(_ context.Context, id string) (*model.Runner, error) {
	return t.firstRunner("id", id)
}

func (t *tx) GetRunnerByPublicID(_ context.Context, publicID string) (*model.Runner, error) {
	return t.firstRunner("public_id", publicID)
}

func (t *tx) ListRunners(_ context.Context, f store.RunnerFilter) ([]*model.Runner, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if f.JobID != "" {
		it, err = t.txn.Get(tableRunner, "job_id", f.JobID)
	} else {
		it, err = t.txn.Get(tableRunner, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}

	var out []*model.Runner
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*model.Runner)
		if matches(r, f) {
			out = append(out, r.Clone())
		}
	}
	model.SortRunnersOldestFirst(out)
	return out, nil
}

func matches(r *model.Runner, f store.RunnerFilter) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if f.Unassigned && r.JobID != "" {
		return false
	}
	if f.Address != "" && r.Address != f.Address {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func (t *tx) CountRunners(ctx context.Context, states []model.RunnerState) (int, error) {
	runners, err := t.ListRunners(ctx, store.RunnerFilter{States: states})
	if err != nil {
		return 0, err
	}
	return len(runners), nil
}

func (t *tx) CreateJob(_ context.Context, j *model.Job) error {
	existing, err := t.txn.First(tableJob, "remote_id", j.RemoteID)
	if err != nil {
		return fmt.Errorf("lookup job %s: %w", j.RemoteID, err)
	}
	if existing != nil {
		return fmt.Errorf("job remote_id=%q: %w", j.RemoteID, store.ErrDuplicate)
	}
	now := t.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if err := t.txn.Insert(tableJob, j.Clone()); err != nil {
		return fmt.Errorf("insert job %s: %w", j.RemoteID, err)
	}
	return nil
}

func (t *tx) UpdateJob(_ context.Context, j *model.Job) error {
	existing, err := t.txn.First(tableJob, "id", j.ID)
	if err != nil {
		return fmt.Errorf("lookup job %s: %w", j.ID, err)
	}
	if existing == nil {
		return fmt.Errorf("job %s: %w", j.ID, model.ErrNotFound)
	}
	j.UpdatedAt = t.clock.Now()
	if err := t.txn.Insert(tableJob, j.Clone()); err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return nil
}

func (t *tx) firstJob(index, value string) (*model.Job, error) {
	raw, err := t.txn.First(tableJob, index, value)
	if err != nil {
		return nil, fmt.Errorf("lookup job by %s: %w", index, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("job %s=%q: %w", index, value, model.ErrNotFound)
	}
	return raw.(*model.Job).Clone(), nil
}

func (t *tx) LockJob(_ context.Context, id string) (*model.Job, error) {
	return t.firstJob("id", id)
}

func (t *tx) LockJobByRemoteID(_ context.Context, remoteID string) (*model.Job, error) {
	return t.firstJob("remote_id", remoteID)
}

func (t *tx) ListJobsNeedingRunners(ctx context.Context, now time.Time, grace time.Duration) ([]*model.Job, error) {
	it, err := t.txn.Get(tableJob, "id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var candidates []*model.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		j := raw.(*model.Job)
		if j.State != model.JobFinished {
			candidates = append(candidates, j.Clone())
		}
	}

	var out []*model.Job
	for _, j := range candidates {
		runners, err := t.ListRunners(ctx, store.RunnerFilter{JobID: j.ID})
		if err != nil {
			return nil, err
		}
		if model.NeedsMoreRunners(j, runners, now, grace) {
			out = append(out, j)
		}
	}
	model.SortJobsOldestFirst(out)
	return out, nil
}

func (t *tx) GetSetting(_ context.Context, key string) (string, bool, error) {
	raw, err := t.txn.First(tableSetting, "id", key)
	if err != nil {
		return "", false, fmt.Errorf("lookup setting %s: %w", key, err)
	}
	if raw == nil {
		return "", false, nil
	}
	return raw.(*settingRow).Value, true, nil
}

func (t *tx) SetSetting(_ context.Context, key, value string) error {
	if err := t.txn.Insert(tableSetting, &settingRow{Key: key, Value: value}); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
