// Package pgstore keeps job records in PostgreSQL. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers each lock a
// different waiting row instead of queueing behind one another.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

// Schema creates the jobs table. Open applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS jobrelay_jobs (
	queue        TEXT    NOT NULL,
	id           TEXT    NOT NULL,
	status       TEXT    NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 0,
	data         JSONB,
	progress     JSONB,
	results      JSONB,
	error        TEXT    NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	created_at   BIGINT  NOT NULL,
	started_at   BIGINT  NOT NULL DEFAULT 0,
	completed_at BIGINT  NOT NULL DEFAULT 0,
	updated_at   BIGINT  NOT NULL,
	version      BIGINT  NOT NULL DEFAULT 1,
	PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS jobrelay_jobs_claim
	ON jobrelay_jobs (queue, priority DESC, created_at, id)
	WHERE status = 'waiting';
`

const columns = `queue, id, status, priority, data, progress, results, error,
	attempts, max_attempts, created_at, started_at, completed_at, updated_at, version`

// Store implements jobs.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	logger *slog.Logger
}

var _ jobs.Store = (*Store)(nil)

// Open connects to url, applies Schema and returns a Store that owns the
// pool.
func Open(ctx context.Context, url string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	s := New(pool, logger)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Close leaves the pool open.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "pgstore")}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// ─── Row mapping ──────────────────────────────────────────────────────────────

func jsonArg(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func jsonCol(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	err := json.Unmarshal(b, &m)
	return m, err
}

func args(j *jobs.Job) ([]any, error) {
	data, err := jsonArg(j.Data)
	if err != nil {
		return nil, err
	}
	progress, err := jsonArg(j.Progress)
	if err != nil {
		return nil, err
	}
	results, err := jsonArg(j.Results)
	if err != nil {
		return nil, err
	}
	return []any{
		j.Queue, j.ID, string(j.Status), j.Priority, data, progress, results, j.Error,
		j.Attempts, j.MaxAttempts, j.CreatedAt, j.StartedAt, j.CompletedAt, j.UpdatedAt, j.Version,
	}, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j                       jobs.Job
		status                  string
		data, progress, results []byte
	)
	err := row.Scan(&j.Queue, &j.ID, &status, &j.Priority, &data, &progress, &results, &j.Error,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &j.Version)
	if err != nil {
		return nil, err
	}
	j.Status = jobs.Status(status)
	if j.Data, err = jsonCol(data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if j.Progress, err = jsonCol(progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if j.Results, err = jsonCol(results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &j, nil
}

// ─── jobs.Store ───────────────────────────────────────────────────────────────

// Insert implements jobs.Store.
func (s *Store) Insert(ctx context.Context, j *jobs.Job) error {
	j.Version = 1
	a, err := args(j)
	if err != nil {
		return fmt.Errorf("pgstore: encode job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO jobrelay_jobs (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, a...)
	if err != nil {
		return fmt.Errorf("pgstore: insert %s: %w", j.ID, err)
	}
	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, queue, id string) (*jobs.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM jobrelay_jobs WHERE queue = $1 AND id = $2`, queue, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s: %w", id, err)
	}
	return j, nil
}

// CompareAndSwap implements jobs.Store with a version-guarded UPDATE.
func (s *Store) CompareAndSwap(ctx context.Context, j *jobs.Job, expected int64) error {
	next := *j
	next.Version = expected + 1
	a, err := args(&next)
	if err != nil {
		return fmt.Errorf("pgstore: encode job: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobrelay_jobs SET
			status = $3, priority = $4, data = $5, progress = $6, results = $7, error = $8,
			attempts = $9, max_attempts = $10, created_at = $11, started_at = $12,
			completed_at = $13, updated_at = $14, version = $15
		WHERE queue = $1 AND id = $2 AND version = $16`, append(a, expected)...)
	if err != nil {
		return fmt.Errorf("pgstore: update %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 1 {
		j.Version = next.Version
		return nil
	}
	if _, err := s.Get(ctx, j.Queue, j.ID); err != nil {
		return err
	}
	return jobs.ErrVersionConflict
}

// Claim implements jobs.Store.
func (s *Store) Claim(ctx context.Context, queue string, now int64) (*jobs.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `UPDATE jobrelay_jobs SET
			status = 'processing', attempts = attempts + 1, started_at = $2,
			completed_at = 0, updated_at = $2, version = version + 1
		WHERE (queue, id) = (
			SELECT queue, id FROM jobrelay_jobs
			WHERE queue = $1 AND status = 'waiting'
			ORDER BY priority DESC, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+columns, queue, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim in %s: %w", queue, err)
	}
	return j, nil
}

// Delete implements jobs.Store.
func (s *Store) Delete(ctx context.Context, queue, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobrelay_jobs WHERE queue = $1 AND id = $2`, queue, id)
	if err != nil {
		return false, fmt.Errorf("pgstore: delete %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List implements jobs.Store in SQL.
func (s *Store) List(ctx context.Context, queue string, q jobs.Query) (jobs.JobList, error) {
	where := []string{"queue = $1"}
	params := []any{queue}
	arg := func(v any) string {
		params = append(params, v)
		return fmt.Sprintf("$%d", len(params))
	}
	f := q.Filter
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, v := range f.Statuses {
			st[i] = string(v)
		}
		where = append(where, "status = ANY("+arg(st)+")")
	}
	if f.MinPriority != nil {
		where = append(where, "priority >= "+arg(*f.MinPriority))
	}
	if f.CreatedAfter > 0 {
		where = append(where, "created_at > "+arg(f.CreatedAfter))
	}
	if f.CreatedBefore > 0 {
		where = append(where, "created_at < "+arg(f.CreatedBefore))
	}
	cond := strings.Join(where, " AND ")

	var out jobs.JobList
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobrelay_jobs WHERE `+cond, params...).Scan(&out.Total); err != nil {
		return jobs.JobList{}, fmt.Errorf("pgstore: count: %w", err)
	}

	col := "created_at"
	switch q.Sort.Field {
	case jobs.SortUpdatedAt:
		col = "updated_at"
	case jobs.SortPriority:
		col = "priority"
	}
	dir := "DESC"
	if q.Sort.Ascending {
		dir = "ASC"
	}
	page := q.Page.Normalize()
	sql := fmt.Sprintf(`SELECT %s FROM jobrelay_jobs WHERE %s ORDER BY %s %s, id %s LIMIT %s OFFSET %s`,
		columns, cond, col, dir, dir, arg(page.Limit), arg(page.Offset))

	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return jobs.JobList{}, fmt.Errorf("pgstore: list: %w", err)
	}
	defer rows.Close()
	out.Jobs = []*jobs.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return jobs.JobList{}, fmt.Errorf("pgstore: list: %w", err)
		}
		out.Jobs = append(out.Jobs, j)
	}
	return out, rows.Err()
}

// Scan implements jobs.Store.
func (s *Store) Scan(ctx context.Context, queue string, fn func(*jobs.Job) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM jobrelay_jobs WHERE queue = $1`, queue)
	if err != nil {
		return fmt.Errorf("pgstore: scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return fmt.Errorf("pgstore: scan: %w", err)
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close implements jobs.Store.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
