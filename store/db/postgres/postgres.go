package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/duetchat/duet/internal/profile"
	"github.com/duetchat/duet/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection using the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	driver := DB{db: postgresDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the conversation table if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			payload JSONB NOT NULL
		)`)
	if err != nil {
		return errors.Wrap(err, "failed to migrate conversation table")
	}
	_, err = d.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversation_updated_ts ON conversation (updated_ts DESC)`)
	if err != nil {
		return errors.Wrap(err, "failed to create conversation index")
	}
	return nil
}
