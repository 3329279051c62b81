// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"database/sql"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmigrate/pgmigrate/pkg/engine"
	"github.com/pgmigrate/pgmigrate/pkg/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func seedMigrations(t *testing.T) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "migrations/0001_create/up.sql", []byte("CREATE TABLE widgets(id int);"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "migrations/0001_create/down.sql", []byte("DROP TABLE widgets;"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "migrations/0002_add_col/up.sql", []byte("ALTER TABLE widgets ADD COLUMN name text;"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "migrations/0002_add_col/down.sql", []byte("ALTER TABLE widgets DROP COLUMN name;"), 0o644))
	return fsys
}

func TestApplyThenStatusThenRollback(t *testing.T) {
	t.Parallel()

	fsys := seedMigrations(t)
	testutils.WithEngine(t, fsys, "migrations", "engine_test", 778899, func(e *engine.Engine, conn *sql.DB) {
		ctx := t.Context()

		require.NoError(t, e.Apply(ctx, ""))

		defs, states, err := e.Status(ctx)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Len(t, states, 2)

		var colCount int
		require.NoError(t, conn.QueryRowContext(ctx,
			"SELECT count(*) FROM information_schema.columns WHERE table_schema = 'engine_test' AND table_name = 'widgets' AND column_name = 'name'").Scan(&colCount))
		assert.Equal(t, 1, colCount)

		require.NoError(t, e.Rollback(ctx, "0001_create"))

		_, states, err = e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "reverted", string(states["0002_add_col"].Status))
		assert.Equal(t, "reverted", string(states["0001_create"].Status))
	})
}

func TestApplyIsIdempotentOnSecondRun(t *testing.T) {
	t.Parallel()

	fsys := seedMigrations(t)
	testutils.WithEngine(t, fsys, "migrations", "engine_test_idem", 778900, func(e *engine.Engine, _ *sql.DB) {
		ctx := t.Context()

		require.NoError(t, e.Apply(ctx, ""))
		require.NoError(t, e.Apply(ctx, ""))

		plan, err := e.PlanUp(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, plan.Pending)
	})
}
