// Copyright 2025 Kandra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventlog persists migration jobs and their append-only event
// streams. It backs the engine's event sourcing: every state change is
// appended here first and only then broadcast, so the log is the source
// of truth and a stream replay always matches what subscribers saw live.
//
// Supports SQLite (default), PostgreSQL, and MySQL via database/sql.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/jobs"

	// Database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested job or event does not exist.
// It is the jobs package's sentinel so service-layer callers need not
// import this package to branch on it.
var ErrNotFound = jobs.ErrNotFound

// Store is the SQL-backed job and event store.
type Store struct {
	db      *sql.DB
	dialect string // "sqlite", "postgres", or "mysql"

	// Timestamp assignment is serialized so appended events carry
	// monotonically non-decreasing timestamps even if the wall clock
	// steps backwards.
	tsMu   sync.Mutex
	lastTS time.Time
}

const (
	// SQL schema (compatible with SQLite and PostgreSQL; MySQL needs its
	// own variant below because it has no CREATE INDEX IF NOT EXISTS and
	// spells auto-increment differently).
	createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(16) PRIMARY KEY,
    status VARCHAR(32) NOT NULL,
    repo_url TEXT NOT NULL,
    repo_name VARCHAR(255) NOT NULL,
    target_stack VARCHAR(64) NOT NULL,
    workspace_path TEXT NOT NULL,
    plan TEXT NOT NULL,
    analysis TEXT NOT NULL,
    error TEXT NOT NULL,
    current_iteration INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS job_events (
    id %s,
    job_id VARCHAR(16) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    payload TEXT NOT NULL,
    is_checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
)`

	// MySQL variant: DATETIME(6) keeps sub-second event ordering and
	// avoids TIMESTAMP's session time zone conversion.
	createMySQLJobsTableSQL = `
CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(16) PRIMARY KEY,
    status VARCHAR(32) NOT NULL,
    repo_url TEXT NOT NULL,
    repo_name VARCHAR(255) NOT NULL,
    target_stack VARCHAR(64) NOT NULL,
    workspace_path TEXT NOT NULL,
    plan TEXT NOT NULL,
    analysis TEXT NOT NULL,
    error TEXT NOT NULL,
    current_iteration INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    INDEX idx_jobs_status (status),
    INDEX idx_jobs_created_at (created_at)
)`

	createMySQLEventsTableSQL = `
CREATE TABLE IF NOT EXISTS job_events (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    job_id VARCHAR(16) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    payload TEXT NOT NULL,
    is_checkpoint BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_job_events_job_id (job_id, id),
    INDEX idx_job_events_created_at (job_id, created_at)
)`
)

// schemaStatements returns the DDL for the given dialect.
func schemaStatements(dialect string) []string {
	if dialect == "mysql" {
		return []string{createMySQLJobsTableSQL, createMySQLEventsTableSQL}
	}

	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		createJobsTableSQL,
		fmt.Sprintf(createEventsTableSQL, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_created_at ON job_events(job_id, created_at)`,
	}
}

// NewStore opens the database described by cfg, verifies connectivity,
// and creates the schema if it does not exist.
func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	dialect := cfg.Dialect()

	// SQLite allows a single writer; funnel everything through one
	// connection so concurrent appends queue instead of erroring.
	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// now returns the next event timestamp: the current UTC time, clamped so
// it never precedes a previously assigned one.
func (s *Store) now() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	t := time.Now().UTC()
	if t.Before(s.lastTS) {
		t = s.lastTS
	}
	s.lastTS = t
	return t
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
