// SPDX-License-Identifier: Apache-2.0

package migrations

import "github.com/pterm/pterm"

// Logger reports operator-facing progress for migration operations. It is
// distinct from the per-migration log sink: Logger writes a short trace to
// the terminal, the log sink writes a full append-only record to disk.
type Logger interface {
	LogApplyStart(d Definition)
	LogApplyComplete(d Definition, executionMs int)
	LogRevertStart(d Definition)
	LogRevertComplete(d Definition, executionMs int)
	LogFailed(d Definition, cause error)
	LogHook(d Definition, hook string)
	LogVerify(d Definition, ok bool)

	Info(msg string, args ...any)
}

type migrationLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

func NewLogger() Logger {
	return &migrationLogger{logger: pterm.DefaultLogger}
}

func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *migrationLogger) LogApplyStart(d Definition) {
	l.logger.Info("applying migration", l.logger.Args([]any{
		"migration_id", d.ID,
		"checksum", d.Checksum,
	}))
}

func (l *migrationLogger) LogApplyComplete(d Definition, executionMs int) {
	l.logger.Info("applied migration", l.logger.Args([]any{
		"migration_id", d.ID,
		"execution_ms", executionMs,
	}))
}

func (l *migrationLogger) LogRevertStart(d Definition) {
	l.logger.Info("reverting migration", l.logger.Args([]any{
		"migration_id", d.ID,
	}))
}

func (l *migrationLogger) LogRevertComplete(d Definition, executionMs int) {
	l.logger.Info("reverted migration", l.logger.Args([]any{
		"migration_id", d.ID,
		"execution_ms", executionMs,
	}))
}

func (l *migrationLogger) LogFailed(d Definition, cause error) {
	l.logger.Error("migration failed", l.logger.Args([]any{
		"migration_id", d.ID,
		"error", cause.Error(),
	}))
}

func (l *migrationLogger) LogHook(d Definition, hook string) {
	l.logger.Debug("running hook", l.logger.Args([]any{
		"migration_id", d.ID,
		"hook", hook,
	}))
}

func (l *migrationLogger) LogVerify(d Definition, ok bool) {
	l.logger.Info("verify result", l.logger.Args([]any{
		"migration_id", d.ID,
		"ok", ok,
	}))
}

func (l *migrationLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogApplyStart(d Definition)                     {}
func (l *noopLogger) LogApplyComplete(d Definition, executionMs int) {}
func (l *noopLogger) LogRevertStart(d Definition)                    {}
func (l *noopLogger) LogRevertComplete(d Definition, executionMs int) {}
func (l *noopLogger) LogFailed(d Definition, cause error)            {}
func (l *noopLogger) LogHook(d Definition, hook string)              {}
func (l *noopLogger) LogVerify(d Definition, ok bool)                {}
func (l *noopLogger) Info(msg string, args ...any)                   {}
