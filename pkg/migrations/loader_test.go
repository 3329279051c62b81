// SPDX-License-Identifier: Apache-2.0

package migrations_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

func writeFile(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0o644))
}

func TestLoadOrdersAndChecksums(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "migrations/0002_add_index/up.sql", "CREATE INDEX idx ON t(a);")
	writeFile(t, fsys, "migrations/0002_add_index/down.sql", "DROP INDEX idx;")
	writeFile(t, fsys, "migrations/0001_create_table/up.sql", "CREATE TABLE t(a int);")
	writeFile(t, fsys, "migrations/0001_create_table/down.sql", "DROP TABLE t;")

	defs, err := migrations.Load(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "0001_create_table", defs[0].ID)
	assert.Equal(t, "0002_add_index", defs[1].ID)
	assert.Equal(t, migrations.ChecksumOf([]byte("CREATE TABLE t(a int);")), defs[0].Checksum)
	assert.Empty(t, defs[0].VerifyPath)
	assert.True(t, defs[0].Meta.Reversible)
}

func TestLoadPicksUpVerifyAndMeta(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "migrations/0001_with_verify/up.sql", "CREATE TABLE t(a int);")
	writeFile(t, fsys, "migrations/0001_with_verify/down.sql", "DROP TABLE t;")
	writeFile(t, fsys, "migrations/0001_with_verify/verify.sql", "SELECT 1 FROM t LIMIT 0;")
	writeFile(t, fsys, "migrations/0001_with_verify/meta.yaml", "tags: [\"online\"]\nonline_safe: true\n")

	defs, err := migrations.Load(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.True(t, def.HasVerify())
	assert.Equal(t, []string{"online"}, def.Meta.Tags)
	assert.True(t, def.Meta.OnlineSafe)
}

func TestLoadFailsOnMissingUpOrDown(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "migrations/0001_broken/down.sql", "DROP TABLE t;")

	_, err := migrations.Load(fsys, "migrations")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.FormatError))
}

func TestRequireSequentialRejectsDuplicatesAndOutOfOrder(t *testing.T) {
	defs := []migrations.Definition{{ID: "0001"}, {ID: "0001"}}
	err := migrations.RequireSequential(defs)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.FormatError))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, migrations.IsBlank("   \n\t  "))
	assert.False(t, migrations.IsBlank("select 1;"))
}
