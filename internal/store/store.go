// Package store implements the durable SQLite-backed journal of accounts,
// rooms, room members, room events, Olm/Megolm sessions and per-file
// encryption metadata described in SPEC_FULL.md §4.1.
//
// All database operations run on a single dedicated worker goroutine
// consuming a FIFO task queue; public operations are asynchronous and
// resolve through a channel carrying either data or an error. This
// serialises every write so that observers see a total order even under
// concurrent callers, and sidesteps SQLite's single-writer locking.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/n42blockchain/matrixcore/matrixerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// schemaVersion is the compiled-in target schema version (PRAGMA user_version).
const schemaVersion = 2

// task is one unit of work handed to the worker goroutine.
type task struct {
	run  func(*sql.DB) (interface{}, error)
	done chan result
}

type result struct {
	val interface{}
	err error
}

// Store is the single open handle to one application's SQLite database.
// It owns the *sql.DB and a dedicated worker goroutine; the connection is
// never handed out to callers.
type Store struct {
	db     *sql.DB
	path   string
	tasks  chan task
	closed chan struct{}
	done   chan struct{}
}

// Open creates the directory tree (if needed), opens or creates the
// database file, runs migrations, and starts the worker goroutine. Open
// either succeeds fully or fails atomically -- no partially initialised
// Store is ever returned.
func Open(dir, filename string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("create store dir: %w", err))
	}

	path := filepath.Join(dir, filename)
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("open sqlite database: %w", err))
	}
	db.SetMaxOpenConns(1) // single-writer, single-connection: the worker goroutine owns it exclusively

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, matrixerr.Wrap(matrixerr.KindStorage, fmt.Errorf("enable foreign keys: %w", err))
	}

	if err := migrate(db, path); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		path:   path,
		tasks:  make(chan task, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

// worker drains the FIFO task queue on a single goroutine for the life of
// the Store, guaranteeing a total write order.
func (s *Store) worker() {
	defer close(s.done)
	for {
		select {
		case t := <-s.tasks:
			val, err := t.run(s.db)
			t.done <- result{val: val, err: err}
		case <-s.closed:
			// Drain any tasks queued before close was requested.
			for {
				select {
				case t := <-s.tasks:
					val, err := t.run(s.db)
					t.done <- result{val: val, err: err}
				default:
					return
				}
			}
		}
	}
}

// submit schedules fn on the worker goroutine and blocks for its result,
// honouring ctx cancellation.
func (s *Store) submit(ctx context.Context, fn func(*sql.DB) (interface{}, error)) (interface{}, error) {
	t := task{run: fn, done: make(chan result, 1)}
	select {
	case s.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, matrixerr.New(matrixerr.KindStorage, "store closed", nil)
	}
	select {
	case r := <-t.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close processes any in-flight writes, stops the worker goroutine, and
// closes the underlying connection. It is the only task guaranteed to run
// after close is requested; no writes are lost.
func (s *Store) Close() error {
	close(s.closed)
	<-s.done
	return s.db.Close()
}

func ioErr(err error) error {
	if err == nil {
		return nil
	}
	return matrixerr.Wrap(matrixerr.KindStorage, err)
}
