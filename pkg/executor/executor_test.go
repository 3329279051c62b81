// SPDX-License-Identifier: Apache-2.0

package executor_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmigrate/pgmigrate/pkg/db"
	"github.com/pgmigrate/pgmigrate/pkg/executor"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
	"github.com/pgmigrate/pgmigrate/pkg/state"
	"github.com/pgmigrate/pgmigrate/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func writeMigration(t *testing.T, fsys afero.Fs, dir, up, down, verify string) migrations.Definition {
	t.Helper()
	upPath := filepath.Join(dir, "up.sql")
	downPath := filepath.Join(dir, "down.sql")
	require.NoError(t, afero.WriteFile(fsys, upPath, []byte(up), 0o644))
	require.NoError(t, afero.WriteFile(fsys, downPath, []byte(down), 0o644))

	verifyPath := ""
	if verify != "" {
		verifyPath = filepath.Join(dir, "verify.sql")
		require.NoError(t, afero.WriteFile(fsys, verifyPath, []byte(verify), 0o644))
	}

	return migrations.Definition{
		ID:         filepath.Base(dir),
		Dir:        dir,
		UpPath:     upPath,
		DownPath:   downPath,
		VerifyPath: verifyPath,
		Checksum:   migrations.ChecksumOf([]byte(up)),
		Meta:       migrations.DefaultMeta(),
	}
}

func TestApplyRunsUpAndTransitionsToApplied(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		st := state.New(conn, "exec_test")
		require.NoError(t, st.EnsureSchema(ctx))

		fsys := afero.NewMemMapFs()
		def := writeMigration(t, fsys, "0001_create", "CREATE TABLE exec_test.widgets(id int);", "DROP TABLE exec_test.widgets;", "")

		e := executor.New(fsys, t.TempDir(), nil)
		result, err := e.Apply(ctx, &db.RDB{DB: conn}, st, def, "tester", 5)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, result.ExecutionMs, 0)

		states, err := st.FetchStates(ctx)
		require.NoError(t, err)
		require.Contains(t, states, def.ID)
		assert.Equal(t, migrations.StatusApplied, states[def.ID].Status)

		var n int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM exec_test.widgets").Scan(&n))
		assert.Equal(t, 0, n)
	})
}

func TestApplyRollsBackUpSQLWhenVerifyFails(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		st := state.New(conn, "exec_test_verify")
		require.NoError(t, st.EnsureSchema(ctx))

		fsys := afero.NewMemMapFs()
		def := writeMigration(t, fsys, "0001_create",
			"CREATE TABLE exec_test_verify.widgets(id int);",
			"DROP TABLE exec_test_verify.widgets;",
			"SELECT 1/0;")

		e := executor.New(fsys, t.TempDir(), nil)
		_, err := e.Apply(ctx, &db.RDB{DB: conn}, st, def, "tester", 5)
		require.Error(t, err)

		states, err := st.FetchStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, migrations.StatusFailed, states[def.ID].Status)

		var exists bool
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'exec_test_verify' AND table_name = 'widgets')").Scan(&exists))
		assert.False(t, exists, "up.sql should have been rolled back when verify.sql failed")
	})
}

func TestRevertRunsDownAndTransitionsToReverted(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		st := state.New(conn, "exec_test_revert")
		require.NoError(t, st.EnsureSchema(ctx))

		fsys := afero.NewMemMapFs()
		def := writeMigration(t, fsys, "0001_create",
			"CREATE TABLE exec_test_revert.widgets(id int);",
			"DROP TABLE exec_test_revert.widgets;",
			"")

		e := executor.New(fsys, t.TempDir(), nil)
		_, err := e.Apply(ctx, &db.RDB{DB: conn}, st, def, "tester", 5)
		require.NoError(t, err)

		_, err = e.Revert(ctx, &db.RDB{DB: conn}, st, def, "tester", 5)
		require.NoError(t, err)

		states, err := st.FetchStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, migrations.StatusReverted, states[def.ID].Status)

		var exists bool
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'exec_test_revert' AND table_name = 'widgets')").Scan(&exists))
		assert.False(t, exists)
	})
}
