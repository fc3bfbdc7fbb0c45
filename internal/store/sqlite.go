package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email TEXT UNIQUE NOT NULL,
  password TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  group_id INTEGER,
  status TEXT NOT NULL CHECK(status IN ('active','disabled')) DEFAULT 'active',
  last_refresh_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status, group_id, id);
CREATE INDEX IF NOT EXISTS idx_accounts_last_refresh_at ON accounts(last_refresh_at);
CREATE TABLE IF NOT EXISTS account_leases (
  lease_id TEXT PRIMARY KEY,
  account_id INTEGER UNIQUE NOT NULL,
  owner TEXT NOT NULL DEFAULT '',
  expires_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_leases_expires ON account_leases(expires_at);
CREATE TABLE IF NOT EXISTS account_refresh_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  account_id INTEGER NOT NULL,
  account_email TEXT NOT NULL,
  refresh_type TEXT NOT NULL CHECK(refresh_type IN ('manual','scheduled','group','retry')),
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  error_message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_refresh_logs_account ON account_refresh_logs(account_id, id);
CREATE INDEX IF NOT EXISTS idx_refresh_logs_created ON account_refresh_logs(created_at);
CREATE TABLE IF NOT EXISTS refresh_runs (
  run_id TEXT PRIMARY KEY,
  refresh_type TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  total INTEGER NOT NULL DEFAULT 0,
  total_all INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failed_count INTEGER NOT NULL DEFAULT 0,
  resumed INTEGER NOT NULL DEFAULT 0,
  skipped INTEGER NOT NULL DEFAULT 0,
  group_id INTEGER,
  max_workers INTEGER NOT NULL DEFAULT 0,
  batch_size INTEGER NOT NULL DEFAULT 0,
  delay_seconds INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('running','completed')) DEFAULT 'running'
);
CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs(started_at);
CREATE TABLE IF NOT EXISTS refresh_checkpoints (
  scope TEXT PRIMARY KEY,
  status TEXT NOT NULL CHECK(status IN ('running','completed')),
  last_id INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  processed INTEGER NOT NULL DEFAULT 0,
  group_id INTEGER,
  started_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  finished_at DATETIME,
  duration_seconds INTEGER,
  avg_rate REAL
);
CREATE TABLE IF NOT EXISTS scheduler_lock (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  owner TEXT NOT NULL,
  heartbeat_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action TEXT NOT NULL,
  resource_type TEXT NOT NULL,
  resource_id TEXT NOT NULL DEFAULT '',
  user_ip TEXT NOT NULL DEFAULT '',
  details TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
`

// Store is the durable state of accounts, leases, refresh bookkeeping and
// the scheduler lock. All writes go through a single connection.
type Store struct {
	db *sqlx.DB
}

// Open creates the database directory if needed, connects, and ensures the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_time_format=sqlite"+
		"&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := EnsureSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Tx scopes store operations to a single immediate transaction.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside one transaction, committing when fn returns nil.
// Callers must not touch the Store from inside fn: the pool has a single
// connection and the transaction holds it.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
