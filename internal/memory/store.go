// Package memory implements the durable record of orchestrations,
// observations, tasks, and token usage on SQLite.
//
// Discipline: write-ahead journaling, a single serialized writer (write
// mutex), many concurrent readers. Keyword search runs on FTS5 with bm25
// ranking. All identifiers are globally unique strings.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"helmsman/internal/logging"
)

// ErrPersistenceUnavailable marks write failures the caller can classify
// (disk full, database gone). The orchestrator pauses rather than silently
// diverging.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed memory store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers; readers go straight to the pool
	dbPath string
}

// NewStore opens (or creates) the database at path and initializes the schema.
func NewStore(path string) (*Store, error) {
	logging.Memory("Initializing memory store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(runtime.NumCPU() * 2)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.MemoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.MemoryDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.MemoryDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.MemoryDebug("Memory store schema initialized")

	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orchestrations (
			id TEXT PRIMARY KEY,
			pattern TEXT NOT NULL,
			agent_ids TEXT NOT NULL,
			task_id TEXT,
			input TEXT,
			result TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_create_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			session_id TEXT,
			concepts TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orch_task ON orchestrations(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orch_session ON orchestrations(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orch_created ON orchestrations(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS orchestrations_fts USING fts5(
			orch_id UNINDEXED, content
		)`,

		`CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			orchestration_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			concepts TEXT,
			importance INTEGER NOT NULL DEFAULT 5,
			agent_insights TEXT,
			recommendations TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_obs_orch ON observations(orchestration_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			obs_id UNINDEXED, content
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			priority TEXT NOT NULL DEFAULT 'medium',
			phase TEXT,
			estimate_hours REAL NOT NULL DEFAULT 0,
			acceptance TEXT,
			depends_on TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			claim_owner TEXT,
			lease_expiry DATETIME,
			heartbeat_at DATETIME,
			claim_failures INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			fail_reason TEXT,
			quality_history TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		`CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			orchestration_id TEXT,
			agent_id TEXT,
			ts DATETIME NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_create_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			input_cost_usd REAL NOT NULL DEFAULT 0,
			output_cost_usd REAL NOT NULL DEFAULT 0,
			cache_create_cost_usd REAL NOT NULL DEFAULT 0,
			cache_read_cost_usd REAL NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			cache_savings_usd REAL NOT NULL DEFAULT 0,
			cache_savings_pct REAL NOT NULL DEFAULT 0,
			pattern TEXT,
			session_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON token_usage(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_session ON token_usage(session_id)`,

		`CREATE TABLE IF NOT EXISTS metric_samples (
			session_id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			quality REAL NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			delegations INTEGER NOT NULL DEFAULT 0,
			delegation_success_rate REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_hourly (
			session_id TEXT NOT NULL,
			bucket DATETIME NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			avg_quality REAL NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			samples INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_daily (
			session_id TEXT NOT NULL,
			bucket DATETIME NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			avg_quality REAL NOT NULL DEFAULT 0,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			samples INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, bucket)
		)`,

		`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims INTEGER NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for sibling stores (vector, metrics tiers)
// that share the database file. Writers must go through ExecWrite.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ExecWrite runs a write statement under the store's writer mutex.
func (s *Store) ExecWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifyWriteErr(err)
	}
	return res, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.MemoryDebug("Closing memory store")
	return s.db.Close()
}

// classifyWriteErr wraps disk-level failures as persistence-unavailable so
// callers can pause instead of losing data silently.
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "disk") || strings.Contains(msg, "full") ||
		strings.Contains(msg, "readonly") || strings.Contains(msg, "i/o") {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return err
}

// ftsQuote converts free text into a safe FTS5 OR-query over its words.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, ``)
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	if len(quoted) == 0 {
		return `""`
	}
	return strings.Join(quoted, " OR ")
}
