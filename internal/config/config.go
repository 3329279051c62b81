// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates migrate.yaml, resolving a named
// profile against CLI overrides and environment variables with the
// precedence PG_DSN environment variable (dsn only) > CLI flag > profile
// value > global default > built-in default.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"sigs.k8s.io/yaml"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
)

//go:embed schema.json
var schemaJSON []byte

// Profile is the effective configuration for one named environment.
type Profile struct {
	Name          string   `json:"-"`
	DSN           string   `json:"dsn"`
	Schema        string   `json:"schema"`
	AppEnv        string   `json:"app_env"`
	ConfirmProd   bool     `json:"confirm_prod"`
	TimeoutSec    *int     `json:"timeout_sec,omitempty"`
	LogDir        string   `json:"log_dir"`
	MigrationsDir string   `json:"migrations_dir"`
	LockKey       *int64   `json:"lock_key,omitempty"`
	AllowTags     []string `json:"allow_tags,omitempty"`
	Interactive   bool     `json:"interactive"`
}

type rawProfile struct {
	DSN           string   `json:"dsn"`
	Schema        string   `json:"schema"`
	AppEnv        string   `json:"app_env"`
	ConfirmProd   bool     `json:"confirm_prod"`
	TimeoutSec    *int     `json:"timeout_sec"`
	LogDir        string   `json:"log_dir"`
	MigrationsDir string   `json:"migrations_dir"`
	LockKey       *int64   `json:"lock_key"`
	AllowTags     []string `json:"allow_tags"`
	Interactive   *bool    `json:"interactive"`
}

type rawGlobal struct {
	Schema        string   `json:"schema"`
	AppEnv        string   `json:"app_env"`
	ConfirmProd   bool     `json:"confirm_prod"`
	TimeoutSec    *int     `json:"timeout_sec"`
	LogDir        string   `json:"log_dir"`
	MigrationsDir string   `json:"migrations_dir"`
	LockKey       *int64   `json:"lock_key"`
	AllowTags     []string `json:"allow_tags"`
	Interactive   *bool    `json:"interactive"`
}

type rawDocument struct {
	Profiles       map[string]rawProfile `json:"profiles"`
	DefaultProfile string                `json:"default_profile"`
	Global         rawGlobal             `json:"global"`
}

// Document is the parsed, schema-validated contents of migrate.yaml,
// before a specific profile has been resolved.
type Document struct {
	baseDir        string
	profiles       map[string]rawProfile
	defaultProfile string
	global         rawGlobal
}

// Load reads, schema-validates, and parses path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, err, "reading config file %q", path)
	}

	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, err, "parsing config file %q", path)
	}

	var doc rawDocument
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, errkind.Wrap(errkind.ConfigError, err, "decoding config file %q", path)
	}

	if len(doc.Profiles) == 0 {
		return nil, errkind.New(errkind.ConfigError, "config %q defines no profiles", path)
	}
	if doc.DefaultProfile == "" {
		return nil, errkind.New(errkind.ConfigError, "config %q must define default_profile", path)
	}
	if _, ok := doc.Profiles[doc.DefaultProfile]; !ok {
		return nil, errkind.New(errkind.ConfigError, "default profile %q is not defined in profiles", doc.DefaultProfile)
	}

	return &Document{
		baseDir:        filepath.Dir(path),
		profiles:       doc.Profiles,
		defaultProfile: doc.DefaultProfile,
		global:         doc.Global,
	}, nil
}

// ListProfiles returns every profile name in the document, sorted.
func (d *Document) ListProfiles() []string {
	names := make([]string, 0, len(d.profiles))
	for name := range d.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProfile returns the document's default profile name.
func (d *Document) DefaultProfile() string {
	return d.defaultProfile
}

// Overrides carries the CLI-flag and environment-variable values that take
// precedence over profile and global config values when resolving a
// profile. A zero value (empty string, nil pointer) means "not overridden".
type Overrides struct {
	DSN           string
	LogDir        string
	MigrationsDir string
	TimeoutSec    *int
	Interactive   *bool
}

// Resolve builds the effective Profile for name (or the document's default
// if name is empty), applying overrides and the PG_DSN environment
// variable in that order.
func (d *Document) Resolve(name string, ov Overrides) (Profile, error) {
	if name == "" {
		name = d.defaultProfile
	}
	raw, ok := d.profiles[name]
	if !ok {
		return Profile{}, errkind.New(errkind.ConfigError, "profile %q not found", name)
	}

	p := Profile{
		Name:          name,
		DSN:           raw.DSN,
		Schema:        firstNonEmpty(raw.Schema, d.global.Schema, "public"),
		AppEnv:        firstNonEmpty(raw.AppEnv, d.global.AppEnv),
		ConfirmProd:   raw.ConfirmProd || d.global.ConfirmProd,
		TimeoutSec:    firstIntPtr(raw.TimeoutSec, d.global.TimeoutSec),
		LockKey:       firstInt64Ptr(raw.LockKey, d.global.LockKey),
		AllowTags:     firstTags(raw.AllowTags, d.global.AllowTags),
		Interactive:   firstBool(raw.Interactive, d.global.Interactive, true),
		MigrationsDir: d.resolvePath(firstNonEmpty(raw.MigrationsDir, d.global.MigrationsDir, "./migrations")),
		LogDir:        d.resolvePath(firstNonEmpty(raw.LogDir, d.global.LogDir)),
	}

	if ov.DSN != "" {
		p.DSN = ov.DSN
	}
	if ov.LogDir != "" {
		p.LogDir = mustAbs(ov.LogDir)
	}
	if ov.MigrationsDir != "" {
		p.MigrationsDir = mustAbs(ov.MigrationsDir)
	}
	if ov.TimeoutSec != nil {
		p.TimeoutSec = ov.TimeoutSec
	}
	if ov.Interactive != nil {
		p.Interactive = *ov.Interactive
	}
	if env := os.Getenv("PG_DSN"); env != "" {
		p.DSN = env
	}

	if p.DSN == "" {
		return Profile{}, errkind.New(errkind.ConfigError, "profile %q has no dsn", name)
	}
	if p.LogDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Profile{}, errkind.Wrap(errkind.ConfigError, err, "resolving working directory")
		}
		p.LogDir = filepath.Join(cwd, ".migrate-logs")
	}
	if p.TimeoutSec == nil {
		defaultTimeout := 600
		p.TimeoutSec = &defaultTimeout
	}
	if p.LockKey == nil {
		return Profile{}, errkind.New(errkind.ConfigError, "lock_key must be set globally or per-profile")
	}

	return p, nil
}

func (d *Document) resolvePath(value string) string {
	if value == "" {
		return ""
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(d.baseDir, value)
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstIntPtr(values ...*int) *int {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt64Ptr(values ...*int64) *int64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstTags(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

func firstBool(primary *bool, fallback *bool, def bool) bool {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return def
}

func validateAgainstSchema(yamlBytes []byte) error {
	jsonBytes, err := yaml.YAMLToJSON(yamlBytes)
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "converting config to JSON for validation")
	}

	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "parsing embedded config schema")
	}
	if err := compiler.AddResource("config-schema.json", schemaDoc); err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "loading embedded config schema")
	}
	sch, err := compiler.Compile("config-schema.json")
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "compiling embedded config schema")
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "parsing config as JSON for validation")
	}
	if err := sch.Validate(instance); err != nil {
		return errkind.Wrap(errkind.ConfigError, err, "config failed schema validation")
	}
	return nil
}
