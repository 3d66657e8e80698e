// Package localdb is the on-device document store. It keeps every leaf
// revision of every document in SQLite so the application works fully
// offline, and exposes the same contract as the remote store so the
// replicator can move revisions between the two.
package localdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/KossiPascal/health-map-project/internal/docstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	walJournalSizeLimit = 67108864 // 64 MiB
	busyTimeoutMillis   = 5000
	memoryPath          = ":memory:"
)

// Store is the SQLite-backed document store. It is safe for concurrent use;
// the pool holds a single connection so writers are serialized.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	notify chan struct{}
}

// Compile-time interface checks.
var (
	_ docstore.Endpoint  = (*Store)(nil)
	_ docstore.Notifier  = (*Store)(nil)
	_ docstore.Destroyer = (*Store)(nil)
)

// NewStore opens the database at dbPath, applies migrations, and returns a
// ready store. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening local document database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localdb: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		path:   dbPath,
		logger: logger,
		notify: make(chan struct{}, 1),
	}, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis), "busy timeout"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("localdb: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("localdb: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("localdb: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("localdb: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Name identifies the store in replication ids.
func (s *Store) Name() string {
	return "local:" + s.path
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Notify returns a channel that receives a value after local edits (Put and
// Remove). Replicated writes do not notify.
func (s *Store) Notify() <-chan struct{} {
	return s.notify
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.path != memoryPath {
		if _, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("WAL checkpoint failed", slog.String("error", err.Error()))
		}
	}

	return s.db.Close()
}

// Destroy closes the store and removes its files from disk.
func (s *Store) Destroy(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("localdb: closing before destroy: %w", err)
	}

	if s.path == memoryPath {
		return nil
	}

	var errs []error

	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("localdb: removing database files: %w", err)
	}

	s.logger.Info("local document database destroyed", slog.String("path", s.path))

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx. With a single pooled
// connection, code running inside a transaction must use the transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction and commits when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localdb: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localdb: commit: %w", err)
	}

	return nil
}
