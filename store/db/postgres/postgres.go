package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/divinesense-router/internal/profile"
	"github.com/hrygo/divinesense-router/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

const schema = `
CREATE TABLE IF NOT EXISTS feedback_record (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	tier INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	intent_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	latency_ms BIGINT NOT NULL DEFAULT 0,
	signals JSONB NOT NULL DEFAULT '{}',
	created_ts BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
);
CREATE INDEX IF NOT EXISTS idx_feedback_record_session ON feedback_record (session_id, created_ts);
CREATE INDEX IF NOT EXISTS idx_feedback_record_request ON feedback_record (request_id);
`

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		slog.Error("failed to open db", slog.String("error", err.Error()))
		return nil, errors.Wrapf(err, "failed to open db: %s", profile.DSN)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate postgres schema")
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
