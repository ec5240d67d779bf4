package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed files/*.sql
var migrationFS embed.FS

// Up applies every pending migration of the revision, entity, outbox and
// sequence tables.
func Up(ctx context.Context, db *sql.DB) error {
	_, err := Apply(ctx, db, nil)
	return err
}

// Apply runs the pending migrations, logs each one applied, and returns the
// resulting schema version.
func Apply(ctx context.Context, db *sql.DB, log logrus.FieldLogger) (int64, error) {
	provider, err := newProvider(db)
	if err != nil {
		return 0, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	if log != nil {
		for _, r := range results {
			log.WithFields(logrus.Fields{
				"version":  r.Source.Version,
				"file":     r.Source.Path,
				"duration": r.Duration.String(),
			}).Info("migration applied")
		}
	}
	return Version(ctx, db)
}

// Version reports the schema version recorded in the database.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	provider, err := newProvider(db)
	if err != nil {
		return 0, err
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	files, err := fs.Sub(migrationFS, "files")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, files)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return provider, nil
}
