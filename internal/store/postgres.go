package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/lib/pq"
)

// Postgres keeps one row per record in a single table.
type Postgres struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// OpenPostgres opens a lib/pq connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

// NewPostgres binds the store to table. The name is quoted, never interpolated raw.
func NewPostgres(db *sql.DB, table string) *Postgres {
	return &Postgres{db: db, table: pq.QuoteIdentifier(table), now: time.Now}
}

// EnsureSchema creates the records table if it does not exist yet.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
	document_id   TEXT PRIMARY KEY,
	bucket        TEXT NOT NULL,
	object_key    TEXT NOT NULL,
	storage_uri   TEXT NOT NULL,
	cdn_url       TEXT NOT NULL,
	signed_url    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_details TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	return nil
}

// Create upserts the full row.
func (s *Postgres) Create(ctx context.Context, rec models.DocumentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.table+`
	(document_id, bucket, object_key, storage_uri, cdn_url, signed_url, status, error_details, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (document_id) DO UPDATE SET
		bucket = EXCLUDED.bucket,
		object_key = EXCLUDED.object_key,
		storage_uri = EXCLUDED.storage_uri,
		cdn_url = EXCLUDED.cdn_url,
		signed_url = EXCLUDED.signed_url,
		status = EXCLUDED.status,
		error_details = EXCLUDED.error_details,
		created_at = EXCLUDED.created_at,
		updated_at = EXCLUDED.updated_at`,
		rec.DocumentID, rec.Bucket, rec.ObjectKey, rec.StorageURI, rec.CDNURL, rec.SignedURL,
		string(rec.Status), rec.ErrorDetails, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return writeErr("creating record", rec.DocumentID, err)
	}
	return nil
}

func (s *Postgres) SetStatus(ctx context.Context, documentID string, st models.Status, details string) error {
	return s.update(ctx, "setting status on", documentID,
		`UPDATE `+s.table+` SET status = $2, error_details = $3, updated_at = $4 WHERE document_id = $1`,
		string(st), details, s.now().UTC(),
	)
}

func (s *Postgres) SetSignedURL(ctx context.Context, documentID, signedURL string) error {
	return s.update(ctx, "setting signed url on", documentID,
		`UPDATE `+s.table+` SET signed_url = $2, updated_at = $3 WHERE document_id = $1`,
		signedURL, s.now().UTC(),
	)
}

func (s *Postgres) update(ctx context.Context, op, documentID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{documentID}, args...)...)
	if err != nil {
		return writeErr(op, documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return writeErr(op, documentID, err)
	}
	if n == 0 {
		return writeErr(op, documentID, ErrRecordNotFound)
	}
	return nil
}
