package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	p, err := Path()
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/tmp/xdg", "projectbox", "config.yaml"), p)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
backend: k8s
namespace: sandboxes
sandbox_ttl: 45m
migration_window: 5m
blob:
  backend: s3
  bucket: projectbox-snapshots
  use_path_style: true
`), 0o644))

	cfg, got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, got)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, BackendK8s, cfg.Backend)
	require.Equal(t, "sandboxes", cfg.Namespace)
	require.Equal(t, 45*time.Minute, cfg.SandboxTTL)
	require.Equal(t, 5*time.Minute, cfg.MigrationWindow)
	require.Equal(t, BlobS3, cfg.Blob.Backend)
	require.True(t, cfg.Blob.UsePathStyle)
	// Untouched keys keep their defaults.
	require.Equal(t, 5173, cfg.DevPort)
	require.Equal(t, "/home/user/app", cfg.Workdir)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, _, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Port, cfg.Port)

	_, _, err = Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1"), 0o644))
	_, _, err := Load(path)
	require.ErrorContains(t, err, "parse")
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.WriteFile(".env", []byte("PROJECTBOX_IMAGE=from-dotenv\nPROJECTBOX_DEV_PORT=3000\n"), 0o644))
	t.Setenv("PROJECTBOX_IMAGE", "from-env")
	// Restored on cleanup; dotenv sets it during Load.
	t.Setenv("PROJECTBOX_DEV_PORT", "")
	os.Unsetenv("PROJECTBOX_DEV_PORT")

	cfg, _, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Image)
	require.Equal(t, 3000, cfg.DevPort)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, lookupMap(map[string]string{
		"PROJECTBOX_PORT":             "7000",
		"DATABASE_URL":                "postgres://u@db/projectbox",
		"SANDBOX_TTL":                 "1h",
		"PROJECTBOX_BLOB_BACKEND":     "s3",
		"PROJECTBOX_S3_BUCKET":        "b",
		"PROJECTBOX_S3_PATH_STYLE":    "true",
		"PROJECTBOX_MIGRATION_WINDOW": "",
	}))
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, "postgres://u@db/projectbox", cfg.DatabaseURL)
	require.Equal(t, time.Hour, cfg.SandboxTTL)
	require.Equal(t, BlobS3, cfg.Blob.Backend)
	require.True(t, cfg.Blob.UsePathStyle)
	require.Zero(t, cfg.MigrationWindow)
}

func TestApplyEnvReportsAllBadValues(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, lookupMap(map[string]string{
		"PROJECTBOX_PORT":          "http",
		"SANDBOX_TTL":              "forever",
		"PROJECTBOX_S3_PATH_STYLE": "maybe",
	}))
	require.Error(t, err)
	require.ErrorContains(t, err, "PROJECTBOX_PORT")
	require.ErrorContains(t, err, "SANDBOX_TTL")
	require.ErrorContains(t, err, "PROJECTBOX_S3_PATH_STYLE")
	require.Equal(t, Default().Port, cfg.Port)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"port":             func(c *Config) { c.Port = 0 },
		"database":         func(c *Config) { c.DatabaseURL = " " },
		"log level":        func(c *Config) { c.LogLevel = "loud" },
		"backend":          func(c *Config) { c.Backend = "firecracker" },
		"dev port":         func(c *Config) { c.DevPort = 70000 },
		"ttl":              func(c *Config) { c.SandboxTTL = 0 },
		"migration window": func(c *Config) { c.MigrationWindow = c.SandboxTTL },
		"retain":           func(c *Config) { c.SnapshotRetain = 0 },
		"blob backend":     func(c *Config) { c.Blob.Backend = "gcs" },
		"fs dir":           func(c *Config) { c.Blob.Dir = "" },
		"s3 bucket":        func(c *Config) { c.Blob.Backend = BlobS3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
