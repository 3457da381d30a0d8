package db

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/db/migrations"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Migrate applies every embedded migration that has not run yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(logging.Get())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "set goose dialect", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
