package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PostgresStore keeps bundle files as BYTEA rows. It is used when a database
// is configured but object storage is not.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS artifact_files (
    id SERIAL PRIMARY KEY,
    bundle TEXT NOT NULL,
    path TEXT NOT NULL,
    content BYTEA NOT NULL DEFAULT ''::bytea,
    size BIGINT NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    UNIQUE(bundle, path)
);
CREATE INDEX IF NOT EXISTS idx_artifact_files_bundle ON artifact_files(bundle);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Put(ctx context.Context, bundle, path string, content []byte) error {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO artifact_files (bundle, path, content, size, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bundle, path)
DO UPDATE SET content=EXCLUDED.content, size=EXCLUDED.size, updated_at=EXCLUDED.updated_at
`, b, p, content, int64(len(content)), time.Now())
	return err
}

func (s *PostgresStore) Get(ctx context.Context, bundle, path string) ([]byte, error) {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var content []byte
	err = s.db.QueryRowContext(ctx, `SELECT content FROM artifact_files WHERE bundle=$1 AND path=$2`, b, p).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return content, err
}

func (s *PostgresStore) List(ctx context.Context, bundle string) ([]string, error) {
	b, err := normalizeBundle(bundle)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM artifact_files WHERE bundle=$1 ORDER BY path`, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// GetURL returns a postgres:// reference; content is stored inline.
func (s *PostgresStore) GetURL(_ context.Context, bundle, path string) (string, error) {
	b, p, err := normalizeKey(bundle, path)
	if err != nil {
		return "", err
	}
	return "postgres://artifact_files/" + b + "/" + p, nil
}
