package filestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"codeforge/internal/fingerprint"
)

// PostgresStore persists project files and their backups in Postgres.
// Preconditions are evaluated under a row lock inside the write transaction.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a pgx-backed database handle and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS project_files (
    project_id TEXT NOT NULL,
    path TEXT NOT NULL,
    body BYTEA NOT NULL DEFAULT ''::bytea,
    fingerprint TEXT NOT NULL,
    size BIGINT NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    PRIMARY KEY (project_id, path)
);
CREATE TABLE IF NOT EXISTS project_file_backups (
    id BIGSERIAL PRIMARY KEY,
    project_id TEXT NOT NULL,
    path TEXT NOT NULL,
    body BYTEA NOT NULL,
    fingerprint TEXT NOT NULL,
    reason TEXT NOT NULL,
    replaced_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_project_file_backups_path ON project_file_backups(project_id, path);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Get(ctx context.Context, projectID, filePath string) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return FileRecord{}, err
	}
	rec := FileRecord{Path: p}
	err = s.db.QueryRowContext(ctx, `
SELECT body, fingerprint, size, updated_at FROM project_files WHERE project_id=$1 AND path=$2`, pid, p).
		Scan(&rec.Body, &rec.Fingerprint, &rec.Size, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return FileRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, projectID string) ([]FileInfo, error) {
	pid, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT path, fingerprint, size FROM project_files WHERE project_id=$1 ORDER BY path`, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		var info FileInfo
		if err := rows.Scan(&info.Path, &info.Fingerprint, &info.Size); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Snapshot(ctx context.Context, projectID string) ([]FileRecord, error) {
	pid, err := normalizeProjectID(projectID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT path, body, fingerprint, size, updated_at FROM project_files WHERE project_id=$1 ORDER BY path`, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.Path, &rec.Body, &rec.Fingerprint, &rec.Size, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Write(ctx context.Context, projectID, filePath string, body []byte, pre Precondition) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return FileRecord{}, err
	}
	if body == nil {
		body = []byte{}
	}
	// A concurrent first insert of the same path loses the ON CONFLICT race;
	// one more pass re-reads the row and applies the precondition to it.
	for attempt := 0; attempt < 2; attempt++ {
		rec, raced, err := s.writeOnce(ctx, pid, p, body, pre)
		if err != nil {
			return FileRecord{}, err
		}
		if !raced {
			return rec, nil
		}
	}
	return FileRecord{}, fmt.Errorf("write %s: concurrent insert did not settle", p)
}

func (s *PostgresStore) writeOnce(ctx context.Context, pid, p string, body []byte, pre Precondition) (FileRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := lockCurrent(ctx, tx, pid, p)
	if err != nil {
		return FileRecord{}, false, err
	}
	if err := checkPrecondition(p, cur, pre); err != nil {
		return FileRecord{}, false, err
	}

	now := time.Now().UTC()
	rec := FileRecord{
		Path:        p,
		Body:        append([]byte(nil), body...),
		Fingerprint: fingerprint.Sum(body),
		Size:        int64(len(body)),
		UpdatedAt:   now,
	}
	if cur != nil {
		if err := insertBackup(ctx, tx, pid, *cur, "overwrite", now); err != nil {
			return FileRecord{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE project_files SET body=$3, fingerprint=$4, size=$5, updated_at=$6
WHERE project_id=$1 AND path=$2`, pid, p, rec.Body, rec.Fingerprint, rec.Size, now); err != nil {
			return FileRecord{}, false, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
INSERT INTO project_files (project_id, path, body, fingerprint, size, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (project_id, path) DO NOTHING`, pid, p, rec.Body, rec.Fingerprint, rec.Size, now)
		if err != nil {
			return FileRecord{}, false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return FileRecord{}, true, nil
		}
	}
	if err := tx.Commit(); err != nil {
		return FileRecord{}, false, err
	}
	return rec, false, nil
}

func (s *PostgresStore) Delete(ctx context.Context, projectID, filePath string, pre Precondition) (FileRecord, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return FileRecord{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return FileRecord{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FileRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := lockCurrent(ctx, tx, pid, p)
	if err != nil {
		return FileRecord{}, err
	}
	if cur == nil {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err := checkPrecondition(p, cur, pre); err != nil {
		return FileRecord{}, err
	}
	if err := insertBackup(ctx, tx, pid, *cur, "delete", time.Now().UTC()); err != nil {
		return FileRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_files WHERE project_id=$1 AND path=$2`, pid, p); err != nil {
		return FileRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return FileRecord{}, err
	}
	return *cur, nil
}

func (s *PostgresStore) Backups(ctx context.Context, projectID, filePath string) ([]Backup, error) {
	pid, p, err := normalizeKey(projectID, filePath)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT body, fingerprint, reason, replaced_at FROM project_file_backups
WHERE project_id=$1 AND path=$2 ORDER BY id`, pid, p)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		b := Backup{Path: p}
		if err := rows.Scan(&b.Body, &b.Fingerprint, &b.Reason, &b.ReplacedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func lockCurrent(ctx context.Context, tx *sql.Tx, pid, p string) (*FileRecord, error) {
	rec := FileRecord{Path: p}
	err := tx.QueryRowContext(ctx, `
SELECT body, fingerprint, size, updated_at FROM project_files
WHERE project_id=$1 AND path=$2 FOR UPDATE`, pid, p).
		Scan(&rec.Body, &rec.Fingerprint, &rec.Size, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertBackup(ctx context.Context, tx *sql.Tx, pid string, cur FileRecord, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO project_file_backups (project_id, path, body, fingerprint, reason, replaced_at)
VALUES ($1, $2, $3, $4, $5, $6)`, pid, cur.Path, cur.Body, cur.Fingerprint, reason, at)
	return err
}
