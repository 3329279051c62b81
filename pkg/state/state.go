// SPDX-License-Identifier: Apache-2.0

// Package state owns the schema_migrations bookkeeping table: the durable
// record of which migrations ran, their checksums, and their terminal
// status. It also provides the session-scoped advisory lock that keeps two
// concurrent runs from executing the same migration set at once.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/pgmigrate/pgmigrate/pkg/db"
	"github.com/pgmigrate/pgmigrate/pkg/errkind"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.schema_migrations (
	id				BIGSERIAL PRIMARY KEY,
	migration_id	TEXT UNIQUE NOT NULL,
	checksum		TEXT NOT NULL,
	applied_at		TIMESTAMPTZ,
	applied_by		TEXT,
	status			TEXT NOT NULL,
	execution_ms	INTEGER,
	verify_ok		BOOLEAN,
	log_ref			TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_migration_id ON %[1]s.schema_migrations (migration_id);
CREATE INDEX IF NOT EXISTS %[2]s_status ON %[1]s.schema_migrations (status);
`

// Store owns the bookkeeping table in a single Postgres schema.
type Store struct {
	conn   db.DB
	pool   *sql.DB // nil for a Store bound to a single pinned connection
	schema string
}

// New wraps an already-open *sql.DB, scoping all statements to schema.
func New(pool *sql.DB, schema string) *Store {
	return &Store{conn: &db.RDB{DB: pool}, pool: pool, schema: schema}
}

// NewWithDB wraps an arbitrary db.DB, primarily so tests can inject a fake.
// A Store built this way cannot take WithAdvisoryLock, since that requires
// pinning a single backend session.
func NewWithDB(conn db.DB, schema string) *Store {
	return &Store{conn: conn, schema: schema}
}

// connDB adapts a single pinned *sql.Conn to the db.DB interface, so that
// every Store method works unchanged whether it targets the connection
// pool or one session held for the lifetime of an advisory lock.
type connDB struct {
	conn *sql.Conn
}

func (c *connDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *connDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *connDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *connDB) Close() error {
	return c.conn.Close()
}

// Conn returns the db.DB this Store issues statements against. For the
// Store handed to a WithAdvisoryLock callback this is the pinned session
// holding the lock, so raw migration SQL run through it shares that session
// with the bookkeeping writes; for a pool-backed Store each statement may
// run on any pooled connection.
func (s *Store) Conn() db.DB {
	return s.conn
}

func (s *Store) table() string {
	return pq.QuoteIdentifier(s.schema) + ".schema_migrations"
}

// EnsureSchema creates the bookkeeping schema and table if they don't
// already exist. It is safe to call on every run.
func (s *Store) EnsureSchema(ctx context.Context) error {
	indexPrefix := pq.QuoteIdentifier(s.schema + "_schema_migrations")
	stmt := fmt.Sprintf(sqlInit, pq.QuoteIdentifier(s.schema), indexPrefix)
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "ensuring schema_migrations in schema %q", s.schema)
	}
	return nil
}

// FetchStates returns every tracked migration row, keyed by migration ID.
func (s *Store) FetchStates(ctx context.Context) (map[string]migrations.State, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT migration_id, checksum, status, applied_at, applied_by, execution_ms, verify_ok, log_ref
		 FROM %s ORDER BY migration_id`, s.table()))
	if err != nil {
		return nil, errkind.Wrap(errkind.ExecutionError, err, "fetching migration states")
	}
	defer rows.Close()

	out := make(map[string]migrations.State)
	for rows.Next() {
		var st migrations.State
		var status string
		if err := rows.Scan(&st.MigrationID, &st.Checksum, &status, &st.AppliedAt, &st.AppliedBy, &st.ExecutionMs, &st.VerifyOK, &st.LogRef); err != nil {
			return nil, errkind.Wrap(errkind.ExecutionError, err, "scanning migration state row")
		}
		st.Status = migrations.Status(status)
		out[st.MigrationID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.ExecutionError, err, "iterating migration state rows")
	}
	return out, nil
}

// StatusUpdate carries the fields an apply/revert step writes when it
// transitions a migration's status.
type StatusUpdate struct {
	MigrationID string
	Checksum    string
	Status      migrations.Status
	AppliedBy   *string
	AppliedAt   *string // RFC3339; nil writes NULL to applied_at
	ExecutionMs *int
	VerifyOK    *bool
	LogRef      *string
}

// UpsertStatus writes or updates a migration's bookkeeping row.
func (s *Store) UpsertStatus(ctx context.Context, u StatusUpdate) error {
	_, err := s.conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (migration_id, checksum, status, applied_by, applied_at, execution_ms, verify_ok, log_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (migration_id) DO UPDATE SET
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			applied_by = EXCLUDED.applied_by,
			applied_at = EXCLUDED.applied_at,
			execution_ms = EXCLUDED.execution_ms,
			verify_ok = EXCLUDED.verify_ok,
			log_ref = EXCLUDED.log_ref`, s.table()),
		u.MigrationID, u.Checksum, string(u.Status), u.AppliedBy, u.AppliedAt, u.ExecutionMs, u.VerifyOK, u.LogRef)
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "upserting status for migration %q", u.MigrationID)
	}
	return nil
}

// FieldUpdate is a single column assignment for UpdateFields, used by the
// recovery operations (retry, reset-failed) which set status and clear a
// subset of columns back to NULL, leaving every other column (checksum
// included) as it is, unlike UpsertStatus's full-row write.
type FieldUpdate struct {
	Column string
	Value  any
}

// UpdateFields applies an arbitrary set of column assignments to one
// migration's row. It fails with errkind.NotTracked if no row matches.
func (s *Store) UpdateFields(ctx context.Context, migrationID string, fields ...FieldUpdate) error {
	if len(fields) == 0 {
		return nil
	}

	assignments := make([]string, len(fields))
	args := make([]any, 0, len(fields)+1)
	for i, f := range fields {
		assignments[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(f.Column), i+1)
		args = append(args, f.Value)
	}
	args = append(args, migrationID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE migration_id = $%d", s.table(), strings.Join(assignments, ", "), len(args))

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "updating fields for migration %q", migrationID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotTracked, "migration %q not found in schema_migrations", migrationID)
	}
	return nil
}

// RepairChecksum overwrites the stored checksum for migrationID, used by
// the repair operation after an operator has confirmed a drifted up.sql is
// intentional.
func (s *Store) RepairChecksum(ctx context.Context, migrationID, checksum string) error {
	res, err := s.conn.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET checksum = $1 WHERE migration_id = $2", s.table()), checksum, migrationID)
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "repairing checksum for migration %q", migrationID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotTracked, "migration %q not found for repair", migrationID)
	}
	return nil
}

// DeleteState removes a migration's bookkeeping row entirely, used by
// reset-failed --delete.
func (s *Store) DeleteState(ctx context.Context, migrationID string) error {
	res, err := s.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE migration_id = $1", s.table()), migrationID)
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "deleting state for migration %q", migrationID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotTracked, "migration %q not found for deletion", migrationID)
	}
	return nil
}

// CurrentUser returns the database role executing the migration, recorded
// against each row as applied_by.
func (s *Store) CurrentUser(ctx context.Context) (string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT current_user")
	if err != nil {
		return "", errkind.Wrap(errkind.ExecutionError, err, "reading current_user")
	}
	defer rows.Close()

	var user string
	if err := db.ScanFirstValue(rows, &user); err != nil {
		return "", errkind.Wrap(errkind.ExecutionError, err, "scanning current_user")
	}
	return user, nil
}

// WithAdvisoryLock pins a single backend session from the pool, acquires a
// non-blocking session-scoped pg_try_advisory_lock on it, and runs f with a
// Store bound to that same session for the duration. The lock (and the
// session) is always released before returning, even if f errors. It fails
// fast with errkind.LockHeld if another session already holds the key.
//
// Store.New must have been used to build s; a Store built with NewWithDB
// has no pool to pin a session from.
func (s *Store) WithAdvisoryLock(ctx context.Context, lockKey int64, f func(context.Context, *Store) error) error {
	if s.pool == nil {
		return errkind.New(errkind.ExecutionError, "advisory lock requires a pool-backed store")
	}

	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "reserving a connection for the advisory lock")
	}
	defer conn.Close()

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&locked); err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "acquiring advisory lock %d", lockKey)
	}
	if !locked {
		return errkind.New(errkind.LockHeld, "another process holds advisory lock %d", lockKey)
	}

	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			// Best effort: the lock is session-scoped and will be released
			// when the connection closes regardless.
			_ = err
		}
	}()

	lockedStore := &Store{conn: &connDB{conn: conn}, schema: s.schema}
	return f(ctx, lockedStore)
}

// IsNotTracked reports whether err indicates a migration has no
// schema_migrations row.
func IsNotTracked(err error) bool {
	return errkind.Is(err, errkind.NotTracked) || errors.Is(err, sql.ErrNoRows)
}
