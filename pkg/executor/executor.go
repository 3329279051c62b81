// SPDX-License-Identifier: Apache-2.0

// Package executor runs a single migration's up.sql or down.sql against an
// already-locked database session, driving the durable
// running -> applied|failed|reverted transition and writing the
// per-migration execution log.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/afero"

	"github.com/pgmigrate/pgmigrate/pkg/db"
	"github.com/pgmigrate/pgmigrate/pkg/errkind"
	"github.com/pgmigrate/pgmigrate/pkg/logsink"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
	"github.com/pgmigrate/pgmigrate/pkg/state"
)

// Executor applies and reverts individual migrations. A single Executor
// is reused across every migration in one run.
type Executor struct {
	fsys     afero.Fs
	logDir   string
	logger   migrations.Logger
	hookExec func(ctx context.Context, hook string) error
}

// New builds an Executor that reads migration SQL from fsys and writes
// per-migration logs under logDir.
func New(fsys afero.Fs, logDir string, logger migrations.Logger) *Executor {
	if logger == nil {
		logger = migrations.NewNoopLogger()
	}
	return &Executor{fsys: fsys, logDir: logDir, logger: logger, hookExec: runShellHook}
}

// Result describes the outcome of one apply or revert.
type Result struct {
	ExecutionMs int
	VerifyOK    *bool
	LogPath     string
}

// Apply runs def's up.sql (pre-hooks, SQL, verify.sql, post-hooks) against
// conn, recording status transitions in store. conn and store must share
// the same backend session so that the statement_timeout set here applies
// to the migration's own statements.
func (e *Executor) Apply(ctx context.Context, conn db.DB, store *state.Store, def migrations.Definition, appliedBy string, timeoutSec int) (Result, error) {
	sink, err := logsink.Open(e.fsys, e.logDir, def.ID)
	if err != nil {
		return Result{}, err
	}
	defer sink.Close()

	e.logger.LogApplyStart(def)
	sink.Line("-- applying %s --", def.ID)

	if err := store.UpsertStatus(ctx, state.StatusUpdate{
		MigrationID: def.ID,
		Checksum:    def.Checksum,
		Status:      migrations.StatusRunning,
		AppliedBy:   &appliedBy,
		AppliedAt:   nowPtr(),
		LogRef:      strPtr(sink.Path()),
	}); err != nil {
		return Result{}, err
	}

	start := time.Now()
	verifyOK, applyErr := e.runApplySteps(ctx, conn, def, timeoutSec, sink)
	duration := int(time.Since(start).Milliseconds())

	if applyErr != nil {
		e.logger.LogFailed(def, applyErr)
		sink.Line("migration failed: %s", applyErr)
		_ = store.UpsertStatus(ctx, state.StatusUpdate{
			MigrationID: def.ID,
			Checksum:    def.Checksum,
			Status:      migrations.StatusFailed,
			AppliedBy:   &appliedBy,
			AppliedAt:   nowPtr(),
			ExecutionMs: &duration,
			VerifyOK:    boolPtr(false),
			LogRef:      strPtr(sink.Path()),
		})
		return Result{}, applyErr
	}

	if err := store.UpsertStatus(ctx, state.StatusUpdate{
		MigrationID: def.ID,
		Checksum:    def.Checksum,
		Status:      migrations.StatusApplied,
		AppliedBy:   &appliedBy,
		AppliedAt:   nowPtr(),
		ExecutionMs: &duration,
		VerifyOK:    verifyOK,
		LogRef:      strPtr(sink.Path()),
	}); err != nil {
		return Result{}, err
	}

	sink.Line("migration applied successfully")
	e.logger.LogApplyComplete(def, duration)
	return Result{ExecutionMs: duration, VerifyOK: verifyOK, LogPath: sink.Path()}, nil
}

// runApplySteps runs pre-hooks, then up.sql and verify.sql together in one
// database transaction so that a verify failure rolls back up.sql's
// effects, then post-hooks once that transaction has committed.
func (e *Executor) runApplySteps(ctx context.Context, conn db.DB, def migrations.Definition, timeoutSec int, sink *logsink.Sink) (*bool, error) {
	if err := e.runHooks(ctx, def, def.Meta.PreHooks, sink); err != nil {
		return nil, err
	}

	var verifyOK *bool
	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.executeFileTx(ctx, tx, def.UpPath, timeoutSec, sink); err != nil {
			return err
		}
		if !def.HasVerify() {
			return nil
		}
		ok, details, err := e.runVerifyTx(ctx, tx, def, timeoutSec)
		if err != nil {
			return err
		}
		verifyOK = &ok
		if !ok {
			sink.Line("verify.sql failed: %s", details)
			return errkind.New(errkind.ExecutionError, "verify.sql failed for %q: %s", def.ID, details)
		}
		return nil
	})
	if err != nil {
		return verifyOK, err
	}

	if err := e.runHooks(ctx, def, def.Meta.PostHooks, sink); err != nil {
		return verifyOK, err
	}

	return verifyOK, nil
}

// Revert runs def's down.sql against conn, recording status transitions in
// store.
func (e *Executor) Revert(ctx context.Context, conn db.DB, store *state.Store, def migrations.Definition, appliedBy string, timeoutSec int) (Result, error) {
	sink, err := logsink.Open(e.fsys, e.logDir, def.ID+"_down")
	if err != nil {
		return Result{}, err
	}
	defer sink.Close()

	e.logger.LogRevertStart(def)
	sink.Line("-- reverting %s --", def.ID)

	if err := store.UpsertStatus(ctx, state.StatusUpdate{
		MigrationID: def.ID,
		Checksum:    def.Checksum,
		Status:      migrations.StatusRunning,
		AppliedBy:   &appliedBy,
		AppliedAt:   nowPtr(),
		LogRef:      strPtr(sink.Path()),
	}); err != nil {
		return Result{}, err
	}

	start := time.Now()
	revertErr := e.runRevertSteps(ctx, conn, def, timeoutSec, sink)
	duration := int(time.Since(start).Milliseconds())

	if revertErr != nil {
		e.logger.LogFailed(def, revertErr)
		sink.Line("rollback failed: %s", revertErr)
		_ = store.UpsertStatus(ctx, state.StatusUpdate{
			MigrationID: def.ID,
			Checksum:    def.Checksum,
			Status:      migrations.StatusFailed,
			AppliedBy:   &appliedBy,
			AppliedAt:   nowPtr(),
			ExecutionMs: &duration,
			VerifyOK:    boolPtr(false),
			LogRef:      strPtr(sink.Path()),
		})
		return Result{}, revertErr
	}

	if err := store.UpsertStatus(ctx, state.StatusUpdate{
		MigrationID: def.ID,
		Checksum:    def.Checksum,
		Status:      migrations.StatusReverted,
		AppliedBy:   &appliedBy,
		AppliedAt:   nowPtr(),
		ExecutionMs: &duration,
		LogRef:      strPtr(sink.Path()),
	}); err != nil {
		return Result{}, err
	}

	sink.Line("migration rolled back successfully")
	e.logger.LogRevertComplete(def, duration)
	return Result{ExecutionMs: duration, LogPath: sink.Path()}, nil
}

// runRevertSteps runs pre-hooks, then down.sql alone in its own
// transaction, then post-hooks.
func (e *Executor) runRevertSteps(ctx context.Context, conn db.DB, def migrations.Definition, timeoutSec int, sink *logsink.Sink) error {
	if err := e.runHooks(ctx, def, def.Meta.PreHooks, sink); err != nil {
		return err
	}

	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return e.executeFileTx(ctx, tx, def.DownPath, timeoutSec, sink)
	})
	if err != nil {
		return err
	}

	return e.runHooks(ctx, def, def.Meta.PostHooks, sink)
}

// Verify runs def's verify.sql without changing status, used by the
// standalone verify operation.
func (e *Executor) Verify(ctx context.Context, conn db.DB, def migrations.Definition, timeoutSec int) (bool, string, error) {
	if !def.HasVerify() {
		return false, "no verify.sql provided", nil
	}
	var ok bool
	var details string
	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ok, details, err = e.runVerifyTx(ctx, tx, def, timeoutSec)
		return err
	})
	return ok, details, err
}

func (e *Executor) runVerifyTx(ctx context.Context, tx *sql.Tx, def migrations.Definition, timeoutSec int) (bool, string, error) {
	sqlText, err := afero.ReadFile(e.fsys, def.VerifyPath)
	if err != nil {
		return false, "", errkind.Wrap(errkind.ExecutionError, err, "reading verify.sql for %q", def.ID)
	}
	if migrations.IsBlank(string(sqlText)) {
		return false, "verify.sql is empty", nil
	}

	if err := setStatementTimeoutTx(ctx, tx, timeoutSec); err != nil {
		return false, "", err
	}
	if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
		e.logger.LogVerify(def, false)
		return false, err.Error(), nil
	}
	e.logger.LogVerify(def, true)
	return true, "", nil
}

func (e *Executor) executeFileTx(ctx context.Context, tx *sql.Tx, path string, timeoutSec int, sink *logsink.Sink) error {
	sqlText, err := migrations.ExpandIncludes(e.fsys, path)
	if err != nil {
		return err
	}
	if migrations.IsBlank(sqlText) {
		sink.Line("no SQL to execute in %s", path)
		return nil
	}

	sink.Line("executing %s with a %ds timeout", path, timeoutSec)
	if err := setStatementTimeoutTx(ctx, tx, timeoutSec); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqlText); err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "executing %s", path)
	}
	return nil
}

func (e *Executor) runHooks(ctx context.Context, def migrations.Definition, hooks []string, sink *logsink.Sink) error {
	for _, hook := range hooks {
		e.logger.LogHook(def, hook)
		sink.Line("running hook: %s", hook)
		if err := e.hookExec(ctx, hook); err != nil {
			return errkind.Wrap(errkind.ExecutionError, err, "hook failed: %s", hook)
		}
	}
	return nil
}

func runShellHook(ctx context.Context, hook string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	return cmd.Run()
}

func setStatementTimeoutTx(ctx context.Context, tx *sql.Tx, timeoutSec int) error {
	if timeoutSec < 0 {
		timeoutSec = 0
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutSec*1000))
	if err != nil {
		return errkind.Wrap(errkind.ExecutionError, err, "setting statement_timeout")
	}
	return nil
}

func nowPtr() *string {
	s := time.Now().UTC().Format(time.RFC3339)
	return &s
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
