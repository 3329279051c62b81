// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

const (
	upFilename     = "up.sql"
	downFilename   = "down.sql"
	verifyFilename = "verify.sql"
	metaFilename   = "meta.yaml"
)

// Load reads every immediate subdirectory of dir, in sorted order, and
// builds a Definition for each. It fails with a FormatError if a required
// file is missing, or if the resulting order is not strictly ascending.
func Load(fsys afero.Fs, dir string) ([]Definition, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, errkind.Wrap(errkind.FormatError, err, "reading migrations directory %q", dir)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		def, err := loadOne(fsys, dir, name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := RequireSequential(defs); err != nil {
		return nil, err
	}

	return defs, nil
}

func loadOne(fsys afero.Fs, parent, id string) (Definition, error) {
	migDir := filepath.Join(parent, id)
	upPath := filepath.Join(migDir, upFilename)
	downPath := filepath.Join(migDir, downFilename)
	verifyPath := filepath.Join(migDir, verifyFilename)
	metaPath := filepath.Join(migDir, metaFilename)

	if ok, _ := afero.Exists(fsys, upPath); !ok {
		return Definition{}, errkind.New(errkind.FormatError, "migration %q is missing %s", id, upFilename)
	}
	if ok, _ := afero.Exists(fsys, downPath); !ok {
		return Definition{}, errkind.New(errkind.FormatError, "migration %q is missing %s", id, downFilename)
	}

	upContent, err := afero.ReadFile(fsys, upPath)
	if err != nil {
		return Definition{}, errkind.Wrap(errkind.FormatError, err, "reading %s for migration %q", upFilename, id)
	}

	if ok, _ := afero.Exists(fsys, verifyPath); !ok {
		verifyPath = ""
	}

	meta, err := loadMeta(fsys, metaPath)
	if err != nil {
		return Definition{}, errkind.Wrap(errkind.FormatError, err, "reading %s for migration %q", metaFilename, id)
	}

	sum := sha256.Sum256(upContent)

	return Definition{
		ID:         id,
		Dir:        migDir,
		UpPath:     upPath,
		DownPath:   downPath,
		VerifyPath: verifyPath,
		Checksum:   hex.EncodeToString(sum[:]),
		Meta:       meta,
	}, nil
}

func loadMeta(fsys afero.Fs, path string) (Meta, error) {
	ok, err := afero.Exists(fsys, path)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return DefaultMeta(), nil
	}

	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		return Meta{}, err
	}

	meta := DefaultMeta()
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// RequireSequential fails with a FormatError unless the migration IDs are
// strictly ascending (duplicates included).
func RequireSequential(defs []Definition) error {
	var previous string
	for i, def := range defs {
		if i > 0 && def.ID <= previous {
			return errkind.New(errkind.FormatError, "migrations are not in strictly ascending order: %q does not follow %q", def.ID, previous)
		}
		previous = def.ID
	}
	return nil
}

// ChecksumOf returns the SHA-256 hex digest of content, the same digest
// Load stores in Definition.Checksum for a migration's up.sql.
func ChecksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IsBlank reports whether sql is empty once surrounding whitespace is
// trimmed, used by the planner to detect an effectively-empty down.sql.
func IsBlank(sql string) bool {
	return strings.TrimSpace(sql) == ""
}
