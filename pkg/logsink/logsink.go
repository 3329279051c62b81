// SPDX-License-Identifier: Apache-2.0

// Package logsink writes the append-only per-migration execution log that
// schema_migrations.log_ref points at.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

// Sink is an open append-only log file for one migration run.
type Sink struct {
	fsys afero.Fs
	file afero.File
	path string
}

// Open creates logDir if needed and opens a new log file for migrationID.
// The filename embeds a UTC timestamp; if a file with that exact name
// already exists (two runs starting within the same second) a short
// uuid suffix is appended so the new run never clobbers the old log.
func Open(fsys afero.Fs, logDir, migrationID string) (*Sink, error) {
	if err := fsys.MkdirAll(logDir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.ExecutionError, err, "creating log directory %q", logDir)
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("%s_%s.log", migrationID, timestamp)
	path := filepath.Join(logDir, name)

	if exists, _ := afero.Exists(fsys, path); exists {
		name = fmt.Sprintf("%s_%s_%s.log", migrationID, timestamp, uuid.NewString()[:8])
		path = filepath.Join(logDir, name)
	}

	file, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errkind.Wrap(errkind.ExecutionError, err, "creating log file %q", path)
	}

	return &Sink{fsys: fsys, file: file, path: path}, nil
}

// Path returns the log file's path, stored as schema_migrations.log_ref.
func (s *Sink) Path() string {
	return s.path
}

// Line appends one line to the log, flushing immediately so a crash mid-run
// leaves a readable partial log.
func (s *Sink) Line(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(s.file, msg)
	if f, ok := s.file.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
}

// Close closes the underlying log file.
func (s *Sink) Close() error {
	return s.file.Close()
}
