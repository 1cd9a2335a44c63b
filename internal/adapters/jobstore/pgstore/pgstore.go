// Package pgstore keeps job records in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reel/internal/models"
	svcerr "reel/internal/pkg/errors"
	"reel/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_state_created_idx ON render_jobs (state, created_at, id);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements ports.JobStore. The whole record lives in a jsonb column;
// state and timestamps are duplicated into columns for filtering.
type Store struct {
	db *pgxpool.Pool
}

var _ ports.JobStore = (*Store)(nil)

// Open connects, pings and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, svcerr.Wrap(err, "pgstore.open", "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, svcerr.Wrap(err, "pgstore.open", "ping postgres")
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the table and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return svcerr.Wrap(err, "pgstore.migrate", "apply schema")
	}
	return nil
}

func (s *Store) Put(ctx context.Context, job *models.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return svcerr.Wrap(err, "pgstore.put", "encode job")
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO render_jobs (id, state, created_at, updated_at, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at,
		    record = EXCLUDED.record
	`, job.ID, string(job.State), job.CreatedAt, job.UpdatedAt, record)
	if err != nil {
		return wrapQuery(err, "pgstore.put", "upsert job").WithField("job_id", job.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM render_jobs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, svcerr.NotFound("job", id)
	}
	if err != nil {
		return nil, wrapQuery(err, "pgstore.get", "select job").WithField("job_id", id)
	}

	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, svcerr.Wrap(err, "pgstore.get", "decode job").WithField("job_id", id)
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, filter ports.ListFilter) ([]*models.Job, error) {
	query, args, err := listQuery(filter)
	if err != nil {
		return nil, svcerr.Wrap(err, "pgstore.list", "build query")
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapQuery(err, "pgstore.list", "select jobs")
	}
	defer rows.Close()

	out := []*models.Job{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, svcerr.Wrap(err, "pgstore.list", "scan job")
		}
		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, svcerr.Wrap(err, "pgstore.list", "decode job")
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, svcerr.Wrap(err, "pgstore.list", "iterate jobs")
	}
	return out, nil
}

func listQuery(filter ports.ListFilter) (string, []any, error) {
	sb := psql.Select("record").
		From("render_jobs").
		OrderBy("created_at", "id")

	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		sb = sb.Where(sq.Eq{"state": states})
	}
	if filter.Limit > 0 {
		sb = sb.Limit(uint64(filter.Limit))
	}
	return sb.ToSql()
}

// Ping checks connectivity and that the table exists.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `SELECT 1 FROM render_jobs LIMIT 1`)
	if isUndefinedTable(err) {
		return svcerr.Unavailable("postgres").WithField("reason", "render_jobs table missing")
	}
	if err != nil {
		return wrapQuery(err, "pgstore.ping", "probe render_jobs")
	}
	return nil
}

// wrapQuery maps connection-level failures to UNAVAILABLE.
func wrapQuery(err error, op, message string) *svcerr.Error {
	if isTransient(err) {
		return svcerr.WrapWithCode(err, svcerr.CodeUnavailable, op, message)
	}
	return svcerr.Wrap(err, op, message)
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}
