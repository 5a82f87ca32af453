package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentserver/projectbox/internal/blob"
	"github.com/agentserver/projectbox/internal/config"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/provider/docker"
	"github.com/agentserver/projectbox/internal/provider/k8s"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/server"
	"github.com/agentserver/projectbox/internal/workspace"
)

var (
	configPath      string
	port            int
	dbURL           string
	backend         string
	image           string
	namespace       string
	logLevel        string
	sandboxTTL      time.Duration
	watchInterval   time.Duration
	migrationWindow time.Duration
	blobBackend     string
	blobDir         string
	s3Bucket        string
)

// backendProvider is what serve needs from a sandbox backend beyond the
// orchestrator's provider interface.
type backendProvider interface {
	provider.Provider
	CleanExpired(ctx context.Context)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the projectbox HTTP server",
	Long: `Start the API server that reconciles, snapshots, probes and migrates
project sandboxes.

Settings are read from defaults, then the config file, then .env and the
environment, then flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger(cfg.LogLevel, "serve")
		if err != nil {
			return err
		}
		logger.Debug("configuration loaded", "path", path)

		database, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer database.Close()
		logger.Info("connected to database", "driver", database.Driver)

		prov, closeProvider, err := newProvider(cfg, logger)
		if err != nil {
			return err
		}
		defer closeProvider()

		ctx := context.Background()
		blobs, err := newBlobStore(ctx, cfg)
		if err != nil {
			return err
		}
		logger.Info("using blob store", "backend", cfg.Blob.Backend)

		wsCfg := workspace.DefaultConfig()
		wsCfg.Workdir = cfg.Workdir
		wsCfg.DevPort = cfg.DevPort

		svcCfg := orchestrator.DefaultConfig()
		svcCfg.TTL = cfg.SandboxTTL
		svcCfg.SnapshotRetain = cfg.SnapshotRetain

		store := sbxstore.NewStore(database)
		svc := orchestrator.New(orchestrator.Deps{
			Store:     store,
			Provider:  prov,
			Workspace: workspace.New(prov, wsCfg),
			Blobs:     blobs,
			Logger:    logger,
		}, svcCfg)

		// Sandboxes past their TTL that no pointer references any more are
		// removed once at startup.
		go prov.CleanExpired(ctx)

		watcher := sbxstore.NewExpiryWatcher(store, svc, cfg.WatchInterval, cfg.MigrationWindow, logger)
		watcher.Start()
		logger.Info("expiry watcher started", "interval", cfg.WatchInterval, "migration_window", cfg.MigrationWindow)

		addr := fmt.Sprintf(":%d", cfg.Port)
		httpServer := &http.Server{Addr: addr, Handler: server.New(svc, logger).Router()}

		// Graceful shutdown on SIGTERM/SIGINT
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info("shutting down", "signal", sig)
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(sctx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}()

		logger.Info("starting projectbox", "addr", addr, "backend", cfg.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			watcher.Stop()
			return err
		}
		watcher.Stop()
		return nil
	},
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("db-url") {
		cfg.DatabaseURL = dbURL
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("image") {
		cfg.Image = image
	}
	if flags.Changed("namespace") {
		cfg.Namespace = namespace
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("sandbox-ttl") {
		cfg.SandboxTTL = sandboxTTL
	}
	if flags.Changed("watch-interval") {
		cfg.WatchInterval = watchInterval
	}
	if flags.Changed("migration-window") {
		cfg.MigrationWindow = migrationWindow
	}
	if flags.Changed("blob-backend") {
		cfg.Blob.Backend = blobBackend
	}
	if flags.Changed("blob-dir") {
		cfg.Blob.Dir = blobDir
	}
	if flags.Changed("s3-bucket") {
		cfg.Blob.Bucket = s3Bucket
	}
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	return logger.With("component", component), nil
}

func newProvider(cfg config.Config, logger *log.Logger) (backendProvider, func(), error) {
	switch cfg.Backend {
	case config.BackendDocker:
		dcfg := docker.DefaultConfig()
		dcfg.Image = cfg.Image
		dcfg.Workdir = cfg.Workdir
		p, err := docker.New(dcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker backend unavailable: %w", err)
		}
		logger.Info("using docker backend", "image", dcfg.Image)
		return p, func() { p.Close() }, nil

	case config.BackendK8s:
		kcfg := k8s.DefaultConfig()
		kcfg.Image = cfg.Image
		kcfg.Namespace = cfg.Namespace
		kcfg.Workdir = cfg.Workdir
		kcfg.EndpointDomain = cfg.EndpointDomain
		p, err := k8s.New(kcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("k8s backend unavailable: %w", err)
		}
		logger.Info("using k8s sandbox backend", "namespace", kcfg.Namespace, "image", kcfg.Image)
		return p, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend: %s (supported: docker, k8s)", cfg.Backend)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobS3:
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
			UsePathStyle:    cfg.Blob.UsePathStyle,
		})
	case config.BlobFS:
		return blob.NewDirStore(cfg.Blob.Dir)
	default:
		return nil, fmt.Errorf("unknown blob backend: %s (supported: s3, fs)", cfg.Blob.Backend)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/projectbox/config.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&dbURL, "db-url", "", "Database URL, postgres:// or sqlite:// (or use DATABASE_URL env)")
	serveCmd.Flags().StringVar(&backend, "backend", config.BackendDocker, "Sandbox backend: docker or k8s")
	serveCmd.Flags().StringVar(&image, "image", "", "Container image for project sandboxes")
	serveCmd.Flags().StringVar(&namespace, "namespace", "", "Kubernetes namespace for sandboxes (k8s backend)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().DurationVar(&sandboxTTL, "sandbox-ttl", 30*time.Minute, "Lifetime of a sandbox")
	serveCmd.Flags().DurationVar(&watchInterval, "watch-interval", time.Minute, "How often expired sandboxes are cleaned up")
	serveCmd.Flags().DurationVar(&migrationWindow, "migration-window", 0, "Migrate projects this long before their sandbox expires (0 to disable)")
	serveCmd.Flags().StringVar(&blobBackend, "blob-backend", config.BlobFS, "Snapshot storage: s3 or fs")
	serveCmd.Flags().StringVar(&blobDir, "blob-dir", "", "Snapshot directory (fs blob backend)")
	serveCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "Snapshot bucket (s3 blob backend)")
}
