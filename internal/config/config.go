// Package config resolves server settings from defaults, an optional YAML
// file and the environment. Command-line flags are applied last by cmd.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendDocker = "docker"
	BackendK8s    = "k8s"

	BlobS3 = "s3"
	BlobFS = "fs"
)

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	Backend        string `yaml:"backend"`
	Image          string `yaml:"image"`
	Namespace      string `yaml:"namespace"`
	EndpointDomain string `yaml:"endpoint_domain"`
	Workdir        string `yaml:"workdir"`
	DevPort        int    `yaml:"dev_port"`

	SandboxTTL      time.Duration `yaml:"sandbox_ttl"`
	WatchInterval   time.Duration `yaml:"watch_interval"`
	MigrationWindow time.Duration `yaml:"migration_window"`
	SnapshotRetain  int           `yaml:"snapshot_retain"`

	Blob BlobConfig `yaml:"blob"`
}

type BlobConfig struct {
	Backend         string `yaml:"backend"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Default returns the settings used when nothing else is configured: a
// local SQLite database, the Docker backend and snapshots on disk.
func Default() Config {
	return Config{
		Port:           8080,
		DatabaseURL:    "sqlite://projectbox.db",
		LogLevel:       "info",
		Backend:        BackendDocker,
		Image:          "node:20-bookworm",
		Namespace:      "default",
		Workdir:        "/home/user/app",
		DevPort:        5173,
		SandboxTTL:     30 * time.Minute,
		WatchInterval:  time.Minute,
		SnapshotRetain: 5,
		Blob: BlobConfig{
			Backend: BlobFS,
			Dir:     "snapshots",
		},
	}
}

// Path returns the default config file location.
func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "projectbox", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "projectbox", "config.yaml"), nil
}

// Load returns Default overlaid with the YAML file at path and then the
// environment. An empty path uses Path and tolerates a missing file; an
// explicit path must exist. The resolved file path is returned.
func Load(path string) (Config, string, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := Path()
		if err != nil {
			return cfg, "", err
		}
		path = p
	}

	if err := loadFile(&cfg, path, explicit); err != nil {
		return cfg, path, err
	}
	if err := LoadDotenv(); err != nil {
		return cfg, path, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, path, err
	}
	return cfg, path, nil
}

func loadFile(cfg *Config, path string, required bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadDotenv loads the given .env files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	integer("PROJECTBOX_PORT", &cfg.Port)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("PROJECTBOX_LOG_LEVEL", &cfg.LogLevel)

	str("PROJECTBOX_BACKEND", &cfg.Backend)
	str("PROJECTBOX_IMAGE", &cfg.Image)
	str("SANDBOX_NAMESPACE", &cfg.Namespace)
	str("PROJECTBOX_ENDPOINT_DOMAIN", &cfg.EndpointDomain)
	str("PROJECTBOX_WORKDIR", &cfg.Workdir)
	integer("PROJECTBOX_DEV_PORT", &cfg.DevPort)

	duration("SANDBOX_TTL", &cfg.SandboxTTL)
	duration("PROJECTBOX_WATCH_INTERVAL", &cfg.WatchInterval)
	duration("PROJECTBOX_MIGRATION_WINDOW", &cfg.MigrationWindow)
	integer("PROJECTBOX_SNAPSHOT_RETAIN", &cfg.SnapshotRetain)

	str("PROJECTBOX_BLOB_BACKEND", &cfg.Blob.Backend)
	str("PROJECTBOX_BLOB_DIR", &cfg.Blob.Dir)
	str("PROJECTBOX_S3_BUCKET", &cfg.Blob.Bucket)
	str("PROJECTBOX_S3_REGION", &cfg.Blob.Region)
	str("PROJECTBOX_S3_ENDPOINT", &cfg.Blob.Endpoint)
	str("PROJECTBOX_S3_ACCESS_KEY_ID", &cfg.Blob.AccessKeyID)
	str("PROJECTBOX_S3_SECRET_ACCESS_KEY", &cfg.Blob.SecretAccessKey)
	boolean("PROJECTBOX_S3_PATH_STYLE", &cfg.Blob.UsePathStyle)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	switch c.Backend {
	case BackendDocker, BackendK8s:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (supported: docker, k8s)", c.Backend))
	}
	if c.DevPort <= 0 || c.DevPort > 65535 {
		errs = append(errs, fmt.Errorf("dev port %d out of range", c.DevPort))
	}
	if c.SandboxTTL <= 0 {
		errs = append(errs, errors.New("sandbox ttl must be positive"))
	}
	if c.MigrationWindow < 0 || (c.MigrationWindow > 0 && c.MigrationWindow >= c.SandboxTTL) {
		errs = append(errs, errors.New("migration window must be between 0 and the sandbox ttl"))
	}
	if c.SnapshotRetain < 1 {
		errs = append(errs, errors.New("snapshot retain must be at least 1"))
	}
	switch c.Blob.Backend {
	case BlobFS:
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob dir is required for the fs backend"))
		}
	case BlobS3:
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("s3 bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q (supported: s3, fs)", c.Blob.Backend))
	}
	return errors.Join(errs...)
}
