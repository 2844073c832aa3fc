// Package store owns the agent's durable SQLite database: WAL journaling,
// schema migrations, the single serialized batch writer, checkpointing, and
// the retention reaper.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// EventTables lists every telemetry table, the only tables the retention
// reaper and the startup purge may touch. Configuration and audit tables are
// never purged.
var EventTables = []string{"fs_events", "network_events", "etw_events", "process_events"}

// Config holds the durability knobs, mirroring the agent's [database]
// process-configuration section.
type Config struct {
	Path             string
	PurgeOnStart     bool
	Synchronous      string // "off", "normal" (default) or "full"
	JournalSizeLimit int64
	BusyTimeout      time.Duration
}

// Store wraps the SQLite database with split pools: a single-connection
// write pool (the journal mode permits one writer) and a read pool that
// serves detection queries concurrently without blocking the writer.
type Store struct {
	write  *sql.DB
	read   *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the database, applies the WAL pragma set,
// runs migrations, and performs the optional startup purge.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	syncLevel, err := synchronousLevel(cfg.Synchronous)
	if err != nil {
		return nil, err
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = time.Second
	}

	write, err := openPool(cfg, syncLevel, 1)
	if err != nil {
		return nil, fmt.Errorf("store: open write pool: %w", err)
	}
	read, err := openPool(cfg, syncLevel, 4)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}

	s := &Store{write: write, read: read, path: cfg.Path, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.PurgeOnStart {
		if err := s.Purge(context.Background()); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.logger.Info("database ready",
		zap.String("path", cfg.Path),
		zap.String("synchronous", syncLevel),
		zap.Int64("journal_size_limit", cfg.JournalSizeLimit))
	return s, nil
}

func openPool(cfg Config, syncLevel string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=" + syncLevel,
		"PRAGMA foreign_keys=ON",
	}
	if cfg.JournalSizeLimit > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA journal_size_limit=%d", cfg.JournalSizeLimit))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func synchronousLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return "NORMAL", nil
	case "full":
		return "FULL", nil
	case "off":
		return "OFF", nil
	default:
		return "", fmt.Errorf("store: invalid synchronous level %q", s)
	}
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.write, &sqlitemigrate.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "gladix", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Purge empties every event table. Configuration and audit tables are left
// untouched; they are never purged.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: purge begin: %w", err)
	}
	defer tx.Rollback()
	for _, table := range EventTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: purge commit: %w", err)
	}
	s.logger.Info("startup purge cleared event tables")
	return nil
}

// Checkpoint merges the write-ahead log into the main store and truncates it.
func (s *Store) Checkpoint(ctx context.Context) error {
	start := time.Now()
	if _, err := s.write.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		checkpointFailures.Inc()
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}
	checkpointDuration.Observe(time.Since(start).Seconds())
	return nil
}

// WALSize reports the current size of the write-ahead log file.
func (s *Store) WALSize() int64 {
	info, err := os.Stat(s.path + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}

// WriteDB exposes the single-writer pool. All table commits funnel through
// it; do not hand it to concurrent writers.
func (s *Store) WriteDB() *sql.DB { return s.write }

// ReadDB exposes the concurrent read pool.
func (s *Store) ReadDB() *sql.DB { return s.read }

// Close closes both pools.
func (s *Store) Close() error {
	var first error
	if err := s.read.Close(); err != nil {
		first = err
	}
	if err := s.write.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
