package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/constants"
	"github.com/RezaEskandarii/fibfire/internal/lock"
	"github.com/RezaEskandarii/fibfire/types/config"
	"io/fs"
	"path"
)

// Schema holds every Postgres table. SQLite has no schemas and uses the main database.
const Schema = "fibfire_schema"

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Init runs the schema initialization and migration scripts against an open database.
// It ensures that only one instance of the application runs the migration logic at a time by using a distributed lock.
//
// The function performs the following steps:
//  1. Acquires a distributed lock to prevent concurrent migrations.
//  2. Pings the database to verify the connection.
//  3. Creates the required schema if it does not exist (Postgres only).
//  4. Executes the embedded SQL scripts of the driver in file name order.
//
// If any step fails, the function returns an error. The lock is released automatically.
func Init(ctx context.Context, db *sql.DB, driver config.StorageDriver, distributedLock lock.DistributedLockManager) (err error) {
	scripts, err := readSQLScripts(driver)
	if err != nil {
		return err
	}

	migrationLock := constants.MigrationLock
	if err = distributedLock.Acquire(migrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if releaseErr := distributedLock.Release(migrationLock); releaseErr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", releaseErr)
		}
	}()

	if err = db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == config.Postgres {
		if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", Schema)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	for _, script := range scripts {
		if _, err = db.ExecContext(ctx, script.body); err != nil {
			return fmt.Errorf("run migration %s: %w", script.name, err)
		}
	}

	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts(driver config.StorageDriver) ([]sqlScript, error) {
	dir := path.Join("migrations", driver.String())

	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %s: %w", driver, err)
	}

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		content, err := fs.ReadFile(migrations, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}

	return scripts, nil
}
