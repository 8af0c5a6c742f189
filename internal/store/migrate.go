package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/n42blockchain/matrixcore/matrixerr"
)

// migrationStep is one forward-only schema version step, embedded from
// migrations/NNNN_name.sql. Each file's statements run inside the single
// migration transaction for that version.
type migrationStep struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads every embedded *.sql file, keyed and ordered by its
// numeric prefix (0001_, 0002_, ...), so migration chains forward through
// every intermediate version regardless of how far behind the caller's
// database is.
func loadMigrations() ([]migrationStep, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	steps := make([]migrationStep, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(e.Name(), "%04d_", &version); err != nil {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		steps = append(steps, migrationStep{version: version, name: e.Name(), sql: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// migrate brings the database at path up to schemaVersion. On open, the
// current PRAGMA user_version is read; if lower than schemaVersion, an
// atomic migration runs: the file is first copied to a timestamped backup
// (missing source or existing destination are tolerated), foreign keys are
// disabled for the duration, and each version step runs in its own
// transaction, which also advances PRAGMA user_version to that step. A
// user_version higher than anything this binary knows how to migrate fails
// the open with a distinct error kind rather than silently truncating state.
func migrate(db *sql.DB, path string) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("read schema version: %w", err))
	}

	if current == schemaVersion {
		return nil
	}
	if current > schemaVersion {
		return matrixerr.New(matrixerr.KindStorage, fmt.Sprintf("database schema v%d is newer than this build supports (v%d)", current, schemaVersion), nil)
	}

	if err := backupFile(path); err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("backup database before migration: %w", err))
	}

	steps, err := loadMigrations()
	if err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("disable foreign keys for migration: %w", err))
	}
	defer db.Exec("PRAGMA foreign_keys = ON")

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if step.version > schemaVersion {
			break
		}
		tx, err := db.Begin()
		if err != nil {
			return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("begin migration tx for %s: %w", step.name, err))
		}
		if _, err := tx.Exec(step.sql); err != nil {
			tx.Rollback()
			return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("apply migration %s: %w", step.name, err))
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			tx.Rollback()
			return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("advance schema version to %d: %w", step.version, err))
		}
		if err := tx.Commit(); err != nil {
			return matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("commit migration %s: %w", step.name, err))
		}
		current = step.version
	}

	return nil
}

// backupFile copies the existing database file to a timestamped sibling
// before a migration runs. A missing source (first-ever open) or an
// already-existing destination are both tolerated, matching SPEC_FULL.md
// §4.1's "failures tolerate not-found and exists" note.
func backupFile(path string) error {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.bak-%d", path, time.Now().UnixNano())
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
