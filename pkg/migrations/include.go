// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

var includeDirective = regexp.MustCompile(`^\s*--\s*@include\s+(.+?)\s*$`)

// ExpandIncludes reads path and recursively expands every
// `-- @include <relative-path>` directive it contains, bracketing each
// expansion with BEGIN/END sentinels. Cycles are detected by canonical
// absolute path. verify.sql is never passed through this function.
func ExpandIncludes(fsys afero.Fs, path string) (string, error) {
	return expand(fsys, path, map[string]bool{})
}

func expand(fsys afero.Fs, path string, seen map[string]bool) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errkind.Wrap(errkind.IncludeNotFound, err, "resolving path %q", path)
	}

	if seen[abs] {
		return "", errkind.New(errkind.IncludeCycle, "include cycle detected at %q", path)
	}
	seen[abs] = true

	content, err := afero.ReadFile(fsys, path)
	if err != nil {
		return "", errkind.Wrap(errkind.IncludeNotFound, err, "reading include target %q", path)
	}

	lines := strings.Split(string(content), "\n")
	out := make([]string, 0, len(lines))
	dir := filepath.Dir(path)

	for _, line := range lines {
		m := includeDirective.FindStringSubmatch(line)
		if m == nil {
			out = append(out, line)
			continue
		}

		includePath := filepath.Join(dir, strings.TrimSpace(m[1]))

		isFile, err := afero.Exists(fsys, includePath)
		if err != nil || !isFile {
			return "", errkind.New(errkind.IncludeNotFound, "included file not found: %q", m[1])
		}
		if isDir, _ := afero.IsDir(fsys, includePath); isDir {
			return "", errkind.New(errkind.IncludeNotFound, "included path is not a file: %q", m[1])
		}

		// Each nested expansion gets its own copy of seen so that the
		// same file included from two independent branches is not
		// mistaken for a cycle; only a revisit along one include chain
		// is a cycle.
		branch := make(map[string]bool, len(seen))
		for k, v := range seen {
			branch[k] = v
		}

		body, err := expand(fsys, includePath, branch)
		if err != nil {
			return "", err
		}

		out = append(out, "-- BEGIN INCLUDE: "+m[1])
		out = append(out, body)
		out = append(out, "-- END INCLUDE: "+m[1])
	}

	return strings.Join(out, "\n"), nil
}
