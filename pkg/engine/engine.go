// SPDX-License-Identifier: Apache-2.0

// Package engine ties the loader, planner, executor, and state store
// together into the top-level operations the CLI exposes: status, plan,
// apply, rollback, verify, and the recovery operations repair, retry, and
// reset-failed.
package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/spf13/afero"

	"github.com/pgmigrate/pgmigrate/internal/config"
	"github.com/pgmigrate/pgmigrate/internal/connstr"
	"github.com/pgmigrate/pgmigrate/pkg/confirm"
	"github.com/pgmigrate/pgmigrate/pkg/errkind"
	"github.com/pgmigrate/pgmigrate/pkg/executor"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
	"github.com/pgmigrate/pgmigrate/pkg/planner"
	"github.com/pgmigrate/pgmigrate/pkg/state"
)

const appName = "pgmigrate"

// Engine is the entry point for every migration operation against one
// profile. It owns the database connection pool for the lifetime of a CLI
// invocation.
type Engine struct {
	profile  config.Profile
	fsys     afero.Fs
	defs     []migrations.Definition
	pool     *sql.DB
	store    *state.Store
	executor *executor.Executor
	gate     *confirm.Gate
}

// Options configures an Engine beyond the resolved profile.
type Options struct {
	Logger          migrations.Logger
	NonInteractive  bool
	ConfirmOverride bool
}

// Open loads the migrations directory, opens the database connection, and
// builds an Engine ready to run operations. Callers must call Close when
// done.
func Open(ctx context.Context, profile config.Profile, fsys afero.Fs, opts Options) (*Engine, error) {
	defs, err := migrations.Load(fsys, profile.MigrationsDir)
	if err != nil {
		return nil, err
	}

	dsn, err := connstr.AppendSearchPathOption(profile.DSN, profile.Schema)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, err, "building connection string")
	}

	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errkind.Wrap(errkind.ExecutionError, err, "opening database connection")
	}
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, errkind.Wrap(errkind.ExecutionError, err, "connecting to database")
	}
	if _, err := pool.ExecContext(ctx, fmt.Sprintf("SET application_name = %s", pq.QuoteLiteral(appName))); err != nil {
		pool.Close()
		return nil, errkind.Wrap(errkind.ExecutionError, err, "setting application_name")
	}

	store := state.New(pool, profile.Schema)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = migrations.NewNoopLogger()
	}

	return &Engine{
		profile:  profile,
		fsys:     fsys,
		defs:     defs,
		pool:     pool,
		store:    store,
		executor: executor.New(fsys, profile.LogDir, logger),
		gate:     confirm.New(profile, opts.NonInteractive, opts.ConfirmOverride),
	}, nil
}

// Close releases the Engine's database connection pool.
func (e *Engine) Close() error {
	return e.pool.Close()
}

// Status returns every known migration definition alongside its durable
// state, if any.
func (e *Engine) Status(ctx context.Context) ([]migrations.Definition, map[string]migrations.State, error) {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return nil, nil, err
	}
	return e.defs, states, nil
}

// PlanUp computes, without executing anything, the set of migrations an
// Apply(target) call would run.
func (e *Engine) PlanUp(ctx context.Context, target string) (planner.Plan, error) {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return planner.Plan{}, err
	}
	return planner.PlanUp(e.defs, states, target, e.profile.AllowTags)
}

// PlanDown computes, without executing anything, the set of migrations a
// Rollback(target) call would revert.
func (e *Engine) PlanDown(ctx context.Context, target string) (planner.Plan, error) {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return planner.Plan{}, err
	}
	return planner.PlanDown(e.defs, states, target, e.profile.AllowTags, e.readDown)
}

func (e *Engine) readDown(def migrations.Definition) (string, error) {
	raw, err := afero.ReadFile(e.fsys, def.DownPath)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Apply runs every pending migration up to and including target (or every
// pending migration, if target is empty), under the profile's advisory
// lock.
func (e *Engine) Apply(ctx context.Context, target string) error {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return err
	}

	plan, err := planner.PlanUp(e.defs, states, target, e.profile.AllowTags)
	if err != nil {
		return err
	}
	if len(plan.Pending) == 0 {
		return nil
	}

	if err := e.gate.ConfirmExecution(len(plan.Pending), "up"); err != nil {
		return err
	}

	user, err := e.store.CurrentUser(ctx)
	if err != nil {
		return err
	}

	return e.store.WithAdvisoryLock(ctx, *e.profile.LockKey, func(ctx context.Context, locked *state.Store) error {
		for _, def := range plan.Pending {
			timeout := e.timeoutFor(def)
			if _, err := e.executor.Apply(ctx, locked.Conn(), locked, def, user, timeout); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rollback reverts every applied migration back to and including target,
// in reverse order, under the profile's advisory lock.
func (e *Engine) Rollback(ctx context.Context, target string) error {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return err
	}

	plan, err := planner.PlanDown(e.defs, states, target, e.profile.AllowTags, e.readDown)
	if err != nil {
		return err
	}
	if len(plan.Pending) == 0 {
		return nil
	}

	if err := e.gate.ConfirmExecution(len(plan.Pending), "down"); err != nil {
		return err
	}

	user, err := e.store.CurrentUser(ctx)
	if err != nil {
		return err
	}

	return e.store.WithAdvisoryLock(ctx, *e.profile.LockKey, func(ctx context.Context, locked *state.Store) error {
		for _, def := range plan.Pending {
			timeout := e.timeoutFor(def)
			if _, err := e.executor.Revert(ctx, locked.Conn(), locked, def, user, timeout); err != nil {
				return err
			}
		}
		return nil
	})
}

// VerifyResult is the outcome of verifying one migration.
type VerifyResult struct {
	MigrationID string
	OK          bool
	Details     string
}

// Verify runs verify.sql for the selected migrations: the latest applied
// migration if latest is true, a single named migration if migrationID is
// set, or every migration carrying a verify.sql otherwise.
func (e *Engine) Verify(ctx context.Context, latest bool, migrationID string) ([]VerifyResult, error) {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := e.selectVerifyTargets(states, latest, migrationID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errkind.New(errkind.FormatError, "no migrations to verify")
	}

	results := make([]VerifyResult, 0, len(targets))
	for _, def := range targets {
		ok, details, err := e.executor.Verify(ctx, e.store.Conn(), def, e.timeoutFor(def))
		if err != nil {
			return nil, err
		}
		results = append(results, VerifyResult{MigrationID: def.ID, OK: ok, Details: details})
	}
	return results, nil
}

func (e *Engine) selectVerifyTargets(states map[string]migrations.State, latest bool, migrationID string) ([]migrations.Definition, error) {
	if latest {
		var lastApplied *migrations.Definition
		for i := range e.defs {
			def := e.defs[i]
			if st, ok := states[def.ID]; ok && st.Status == migrations.StatusApplied {
				lastApplied = &def
			}
		}
		if lastApplied == nil {
			return nil, errkind.New(errkind.TargetNotApplied, "no applied migrations to verify")
		}
		if !lastApplied.HasVerify() {
			return nil, nil
		}
		return []migrations.Definition{*lastApplied}, nil
	}

	if migrationID != "" {
		def, err := e.find(migrationID)
		if err != nil {
			return nil, err
		}
		if !def.HasVerify() {
			return nil, errkind.New(errkind.FormatError, "migration %q has no verify.sql", migrationID)
		}
		return []migrations.Definition{def}, nil
	}

	var withVerify []migrations.Definition
	for _, def := range e.defs {
		if def.HasVerify() {
			withVerify = append(withVerify, def)
		}
	}
	return withVerify, nil
}

// Repair overwrites the stored checksum for migrationID with its current
// on-disk checksum. accept must be true; it mirrors the CLI's
// --accept-checksum flag and exists so a caller cannot repair by accident.
func (e *Engine) Repair(ctx context.Context, migrationID string, accept bool) error {
	if !accept {
		return errkind.New(errkind.ConfirmationRejected, "checksum repair requires --accept-checksum")
	}
	def, err := e.find(migrationID)
	if err != nil {
		return err
	}
	return e.store.RepairChecksum(ctx, migrationID, def.Checksum)
}

// Retry resets a failed (or, with force, running) migration back to
// reverted and immediately re-applies it, skipping the confirmation
// prompt for the implicit re-apply since the operator has already
// confirmed the retry itself.
func (e *Engine) Retry(ctx context.Context, migrationID string, acceptChecksum, force bool) error {
	def, err := e.find(migrationID)
	if err != nil {
		return err
	}

	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return err
	}
	st, ok := states[migrationID]
	if !ok {
		return errkind.New(errkind.NotTracked, "migration %q not found in schema_migrations; cannot retry", migrationID)
	}
	if st.Status == migrations.StatusApplied {
		return nil
	}
	if st.Status == migrations.StatusRunning && !force {
		return errkind.New(errkind.InProgress, "migration %q is currently marked running; use --force if this is safe", migrationID)
	}

	if st.Checksum != def.Checksum {
		if !acceptChecksum {
			return errkind.New(errkind.ChecksumMismatch, "migration %q checksum differs from disk; retry with --accept-checksum to repair it", migrationID)
		}
		if err := e.store.RepairChecksum(ctx, migrationID, def.Checksum); err != nil {
			return err
		}
	}

	message := fmt.Sprintf("reset migration %s to retry? this marks it reverted and re-runs every pending migration up to it", migrationID)
	if err := e.gate.Confirm(message, fmt.Sprintf("reset %s and retry", migrationID)); err != nil {
		return err
	}

	if err := e.store.UpdateFields(ctx, migrationID,
		state.FieldUpdate{Column: "status", Value: string(migrations.StatusReverted)},
		state.FieldUpdate{Column: "applied_at", Value: nil},
		state.FieldUpdate{Column: "applied_by", Value: nil},
		state.FieldUpdate{Column: "execution_ms", Value: nil},
		state.FieldUpdate{Column: "verify_ok", Value: nil},
	); err != nil {
		return err
	}

	// The nested Apply runs against a copy of the gate carrying a one-shot
	// skip; the caller's gate is put back afterwards, so the skip never
	// outlives this call even if Apply returns before confirming.
	saved := e.gate
	scoped := *saved
	scoped.SkipNext()
	e.gate = &scoped
	defer func() { e.gate = saved }()
	return e.Apply(ctx, migrationID)
}

// ResetFailed clears a failed migration's bookkeeping row so a fresh
// apply can pick it up again, either resetting its status to reverted or
// deleting the row entirely.
func (e *Engine) ResetFailed(ctx context.Context, migrationID string, deleteRow bool) error {
	states, err := e.store.FetchStates(ctx)
	if err != nil {
		return err
	}
	if _, ok := states[migrationID]; !ok {
		return errkind.New(errkind.NotTracked, "migration %q not found in schema_migrations; cannot reset", migrationID)
	}

	action := "reset the failed status of"
	if deleteRow {
		action = "delete the bookkeeping row for"
	}
	message := fmt.Sprintf("about to %s migration %s. This runs no migration SQL. Continue?", action, migrationID)
	if err := e.gate.Confirm(message, action+" "+migrationID); err != nil {
		return err
	}

	if deleteRow {
		return e.store.DeleteState(ctx, migrationID)
	}

	return e.store.UpdateFields(ctx, migrationID,
		state.FieldUpdate{Column: "status", Value: string(migrations.StatusReverted)},
		state.FieldUpdate{Column: "applied_at", Value: nil},
		state.FieldUpdate{Column: "applied_by", Value: nil},
		state.FieldUpdate{Column: "execution_ms", Value: nil},
		state.FieldUpdate{Column: "verify_ok", Value: nil},
	)
}

func (e *Engine) find(migrationID string) (migrations.Definition, error) {
	for _, def := range e.defs {
		if def.ID == migrationID {
			return def, nil
		}
	}
	return migrations.Definition{}, errkind.New(errkind.FormatError, "migration %q not found on disk", migrationID)
}

func (e *Engine) timeoutFor(def migrations.Definition) int {
	if def.Meta.TimeoutSec != nil {
		return *def.Meta.TimeoutSec
	}
	if e.profile.TimeoutSec != nil {
		return *e.profile.TimeoutSec
	}
	return 600
}
