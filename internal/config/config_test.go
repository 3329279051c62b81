// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmigrate/pgmigrate/internal/config"
	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "migrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndResolveAppliesPrecedence(t *testing.T) {
	path := writeConfig(t, `
default_profile: staging
global:
  schema: public
  lock_key: 42
  timeout_sec: 60
profiles:
  staging:
    dsn: postgres://staging
    app_env: staging
  prod:
    dsn: postgres://prod
    schema: tenant_prod
    confirm_prod: true
    lock_key: 99
`)

	doc, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", doc.DefaultProfile())
	assert.Equal(t, []string{"prod", "staging"}, doc.ListProfiles())

	profile, err := doc.Resolve("staging", config.Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "postgres://staging", profile.DSN)
	assert.Equal(t, "public", profile.Schema)
	require.NotNil(t, profile.TimeoutSec)
	assert.Equal(t, 60, *profile.TimeoutSec)
	require.NotNil(t, profile.LockKey)
	assert.EqualValues(t, 42, *profile.LockKey)

	prod, err := doc.Resolve("prod", config.Overrides{})
	require.NoError(t, err)
	assert.True(t, prod.ConfirmProd)
	require.NotNil(t, prod.LockKey)
	assert.EqualValues(t, 99, *prod.LockKey)
}

func TestResolveAppliesOverridesOverProfile(t *testing.T) {
	path := writeConfig(t, `
default_profile: staging
global:
  lock_key: 1
profiles:
  staging:
    dsn: postgres://staging
`)
	doc, err := config.Load(path)
	require.NoError(t, err)

	profile, err := doc.Resolve("staging", config.Overrides{DSN: "postgres://override"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://override", profile.DSN)
}

func TestResolveFailsWithoutLockKey(t *testing.T) {
	path := writeConfig(t, `
default_profile: staging
profiles:
  staging:
    dsn: postgres://staging
`)
	doc, err := config.Load(path)
	require.NoError(t, err)

	_, err = doc.Resolve("staging", config.Overrides{})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ConfigError))
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
default_profile: staging
profiles:
  staging:
    dsn: postgres://staging
    unknown_field: true
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ConfigError))
}

func TestLoadRejectsMissingDefaultProfile(t *testing.T) {
	path := writeConfig(t, `
default_profile: missing
profiles:
  staging:
    dsn: postgres://staging
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.ConfigError))
}
