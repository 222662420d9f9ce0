package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_journal (
	server      TEXT        NOT NULL,
	public      BOOLEAN     NOT NULL,
	dest        TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	size        BIGINT      NOT NULL,
	sha256      TEXT        NOT NULL,
	source_path TEXT        NOT NULL DEFAULT '',
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (server, public, dest, name, size, sha256)
)`

// Postgres is a journal stored in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to databaseURL.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Migrate creates the journal table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	logging.Debug("journal schema ready")
	return nil
}

// Seen reports whether key was recorded.
func (p *Postgres) Seen(ctx context.Context, key Key) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordJournalQuery("seen", time.Since(start)) }()

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM upload_journal
			WHERE server = $1 AND public = $2 AND dest = $3 AND name = $4 AND size = $5 AND sha256 = $6
		)`,
		key.Server, key.Public, key.Dest, key.Name, key.Size, key.SHA256).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("journal lookup: %w", err)
	}
	return exists, nil
}

// Record stores e, refreshing the timestamp if it already exists.
func (p *Postgres) Record(ctx context.Context, e Entry) error {
	start := time.Now()
	defer func() { metrics.RecordJournalQuery("record", time.Since(start)) }()

	if e.UploadedAt.IsZero() {
		e.UploadedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO upload_journal (server, public, dest, name, size, sha256, source_path, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (server, public, dest, name, size, sha256) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			uploaded_at = EXCLUDED.uploaded_at`,
		e.Server, e.Public, e.Dest, e.Name, e.Size, e.SHA256, e.SourcePath, e.UploadedAt)
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	logging.Debug("journal recorded", zap.String("name", e.Name), zap.String("dest", e.Dest))
	return nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
