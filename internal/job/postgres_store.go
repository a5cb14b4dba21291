package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps each job as a JSONB document. Update locks the row
// for the duration of fn, which serializes transitions across processes.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
	now        func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    status TEXT NOT NULL,
    doc JSONB NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_project ON generation_jobs(project_id, status);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Create(ctx context.Context, j Job) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	j.ID = normalizeID(j.ID)
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO generation_jobs (id, project_id, status, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`, j.ID, j.ProjectID, string(j.Status), doc, j.CreatedAt, j.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrExists, j.ID)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Job{}, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM generation_jobs WHERE id=$1`, normalizeID(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, err
	}
	return decodeJob(doc)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Job{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM generation_jobs WHERE id=$1 FOR UPDATE`, normalizeID(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, err
	}
	cur, err := decodeJob(doc)
	if err != nil {
		return Job{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Job{}, err
	}
	if err := checkAppendOnly(&cur, &next); err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	next.ID = cur.ID
	next.UpdatedAt = s.now()
	out, err := json.Marshal(next)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE generation_jobs SET doc=$2, status=$3, project_id=$4, updated_at=$5 WHERE id=$1`,
		next.ID, out, string(next.Status), next.ProjectID, next.UpdatedAt); err != nil {
		return Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return next, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Job, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT doc FROM generation_jobs`
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func decodeJob(doc []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}
