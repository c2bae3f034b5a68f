package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/lib/pq"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/store"
)

var dialect = goqu.Dialect("postgres")

var runnerColumns = []string{
	"id", "public_id", "kind", "address", "provider_ref", "state",
	"job_id", "secret", "created_at", "updated_at", "started_at",
}

var jobColumns = []string{
	"id", "remote_id", "origin_url", "state", "wanted_runners",
	"metadata", "created_at", "updated_at",
}

func columnsAny(cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = c
	}
	return out
}

type tx struct {
	db    executor
	clock clock.PassiveClock
}

func (t *tx) LockCapacity(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, capacityLockKey); err != nil {
		return fmt.Errorf("capacity lock: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runners
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(row rowScanner) (*model.Runner, error) {
	var (
		r         model.Runner
		kind      string
		state     string
		jobID     sql.NullString
		startedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.PublicID, &kind, &r.Address, &r.ProviderRef, &state,
		&jobID, &r.Secret, &r.CreatedAt, &r.UpdatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = model.ProviderKind(kind)
	if r.State, err = model.ParseRunnerState(state); err != nil {
		return nil, err
	}
	r.JobID = jobID.String
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (t *tx) CreateRunner(ctx context.Context, r *model.Runner) error {
	now := t.clock.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO runner (`+strings.Join(runnerColumns, ", ")+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PublicID, string(r.Kind), r.Address, r.ProviderRef, r.State.String(),
		nullString(r.JobID), r.Secret, r.CreatedAt, r.UpdatedAt, nullTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("insert runner %s: %w", r.ID, mapError(err))
	}
	return nil
}

func (t *tx) UpdateRunner(ctx context.Context, r *model.Runner) error {
	r.UpdatedAt = t.clock.Now()

	res, err := t.db.ExecContext(ctx, `
		UPDATE runner
		SET address = $2, provider_ref = $3, state = $4, job_id = $5, updated_at = $6, started_at = $7
		WHERE id = $1`,
		r.ID, r.Address, r.ProviderRef, r.State.String(), nullString(r.JobID), r.UpdatedAt, nullTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("update runner %s: %w", r.ID, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("runner %s: %w", r.ID, model.ErrNotFound)
	}
	return nil
}

func (t *tx) runnerWhere(ctx context.Context, column, value string, lock bool) (*model.Runner, error) {
	query := `SELECT ` + strings.Join(runnerColumns, ", ") + ` FROM runner WHERE ` + column + ` = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanRunner(t.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runner %s=%q: %w", column, value, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read runner %s=%q: %w", column, value, err)
	}
	return r, nil
}

func (t *tx) LockRunner(ctx context.Context, id string) (*model.Runner, error) {
	return t.runnerWhere(ctx, "id", id, true)
}

func (t *tx) GetRunner(ctx context.Context, id string) (*model.Runner, error) {
	return t.runnerWhere(ctx, "id", id, false)
}

func (t *tx) GetRunnerByPublicID(ctx context.Context, publicID string) (*model.Runner, error) {
	return t.runnerWhere(ctx, "public_id", publicID, false)
}

// runnerFilterSQL renders a RunnerFilter into a locking SELECT.
func runnerFilterSQL(f store.RunnerFilter) (string, []any, error) {
	var where []exp.Expression
	if len(f.States) > 0 {
		where = append(where, goqu.C("state").In(model.StateNames(f.States)))
	}
	if f.JobID != "" {
		where = append(where, goqu.C("job_id").Eq(f.JobID))
	}
	if f.Unassigned {
		where = append(where, goqu.C("job_id").IsNull())
	}
	if f.Address != "" {
		where = append(where, goqu.C("address").Eq(f.Address))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, goqu.C("updated_at").Lt(f.UpdatedBefore))
	}

	return dialect.From("runner").
		Select(columnsAny(runnerColumns)...).
		Where(where...).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		ForUpdate(exp.Wait).
		Prepared(true).
		ToSQL()
}

func (t *tx) ListRunners(ctx context.Context, f store.RunnerFilter) ([]*model.Runner, error) {
	query, args, err := runnerFilterSQL(f)
	if err != nil {
		return nil, fmt.Errorf("build runner query: %w", err)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []*model.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runners rows: %w", err)
	}
	return out, nil
}

func (t *tx) CountRunners(ctx context.Context, states []model.RunnerState) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx,
		`SELECT count(*) FROM runner WHERE state = ANY($1)`,
		pq.Array(model.StateNames(states)),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runners: %w", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j        model.Job
		state    string
		metadata []byte
	)
	err := row.Scan(&j.ID, &j.RemoteID, &j.OriginURL, &state, &j.WantedRunners,
		&metadata, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if j.State, err = model.ParseJobState(state); err != nil {
		return nil, err
	}
	j.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("job %s metadata: %w", j.ID, err)
		}
	}
	return &j, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func (t *tx) CreateJob(ctx context.Context, j *model.Job) error {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return fmt.Errorf("job %s metadata: %w", j.RemoteID, err)
	}
	now := t.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO job (`+strings.Join(jobColumns, ", ")+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.RemoteID, j.OriginURL, j.State.String(), j.WantedRunners, metadata, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.RemoteID, mapError(err))
	}
	return nil
}

func (t *tx) UpdateJob(ctx context.Context, j *model.Job) error {
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return fmt.Errorf("job %s metadata: %w", j.RemoteID, err)
	}
	j.UpdatedAt = t.clock.Now()

	res, err := t.db.ExecContext(ctx, `
		UPDATE job
		SET state = $2, wanted_runners = $3, metadata = $4, updated_at = $5
		WHERE id = $1`,
		j.ID, j.State.String(), j.WantedRunners, metadata, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, model.ErrNotFound)
	}
	return nil
}

func (t *tx) lockJobWhere(ctx context.Context, column, value string) (*model.Job, error) {
	query := `SELECT ` + strings.Join(jobColumns, ", ") + ` FROM job WHERE ` + column + ` = $1 FOR UPDATE`
	j, err := scanJob(t.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s=%q: %w", column, value, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock job %s=%q: %w", column, value, err)
	}
	return j, nil
}

func (t *tx) LockJob(ctx context.Context, id string) (*model.Job, error) {
	return t.lockJobWhere(ctx, "id", id)
}

func (t *tx) LockJobByRemoteID(ctx context.Context, remoteID string) (*model.Job, error) {
	return t.lockJobWhere(ctx, "remote_id", remoteID)
}

// jobsNeedingRunnersSQL renders model.NeedsMoreRunnersExpr into a plain
// SELECT over the job table.  Locking here would take job locks after
// the runner locks some callers already hold.
func jobsNeedingRunnersSQL(now time.Time, grace time.Duration) (string, []any, error) {
	return dialect.From("job").
		Select(columnsAny(jobColumns)...).
		Where(model.NeedsMoreRunnersExpr(now, grace)).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Prepared(true).
		ToSQL()
}

func (t *tx) ListJobsNeedingRunners(ctx context.Context, now time.Time, grace time.Duration) ([]*model.Job, error) {
	query, args, err := jobsNeedingRunnersSQL(now, grace)
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs needing runners: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs rows: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (t *tx) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.db.QueryRowContext(ctx, `SELECT value FROM setting WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (t *tx) SetSetting(ctx context.Context, key, value string) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO setting (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, t.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
