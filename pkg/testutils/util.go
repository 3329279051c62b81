// SPDX-License-Identifier: Apache-2.0

package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/spf13/afero"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pgmigrate/pgmigrate/internal/config"
	"github.com/pgmigrate/pgmigrate/pkg/engine"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
	"github.com/pgmigrate/pgmigrate/pkg/state"
)

// The version of postgres against which the tests are run
// if the POSTGRES_VERSION environment variable is not set.
const defaultPostgresVersion = "15.3"

// tConnStr holds the connection string to the test container created in TestMain.
var tConnStr string

// SharedTestMain starts a postgres container to be used by all tests in a package.
// Each test then connects to the container and creates a new database.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("Failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// TestSchema returns the schema in which migration tests apply migrations.
func TestSchema() string {
	testSchema := os.Getenv("PGMIGRATE_TEST_SCHEMA")
	if testSchema != "" {
		return testSchema
	}
	return "public"
}

// WithConnectionToContainer hands the test a fresh database and its
// connection string, each test getting its own isolated database within
// the shared container.
func WithConnectionToContainer(t *testing.T, fn func(*sql.DB, string)) {
	t.Helper()

	db, connStr, _ := setupTestDatabase(t)

	fn(db, connStr)
}

// WithStateStore hands the test a state.Store bound to schema, with the
// bookkeeping table already created.
func WithStateStore(t *testing.T, schema string, fn func(*state.Store, *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, _, _ := setupTestDatabase(t)

	st := state.New(db, schema)
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	fn(st, db)
}

// WithEngine hands the test an Engine loaded from the afero filesystem fsys,
// using migrationsDir as the migrations directory, against a fresh database.
func WithEngine(t *testing.T, fsys afero.Fs, migrationsDir, schema string, lockKey int64, fn func(*engine.Engine, *sql.DB)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	timeout := 30
	profile := config.Profile{
		Name:          "test",
		DSN:           connStr,
		Schema:        schema,
		TimeoutSec:    &timeout,
		LogDir:        t.TempDir(),
		MigrationsDir: migrationsDir,
		LockKey:       &lockKey,
		Interactive:   false,
	}

	e, err := engine.Open(ctx, profile, fsys, engine.Options{
		Logger:          migrations.NewNoopLogger(),
		NonInteractive:  true,
		ConfirmOverride: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Fatalf("failed to close engine: %v", err)
		}
	})

	fn(e, db)
}

// setupTestDatabase creates a new database in the test container and returns:
// - a connection to the new database
// - the connection string to the new database
// - the name of the new database
func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := tDB.Close(); err != nil {
			t.Fatalf("Failed to close database connection: %v", err)
		}
	})

	dbName := randomDBName()

	_, err = tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}

	u.Path = "/" + dbName
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Failed to close database connection: %v", err)
		}
	})

	return db, connStr, dbName
}
