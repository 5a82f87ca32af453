package cmd

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/blob/blobtest"
	"github.com/agentserver/projectbox/internal/config"
	"github.com/agentserver/projectbox/internal/db"
	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/provider/providertest"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/server"
	"github.com/agentserver/projectbox/internal/workspace"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	// Flag variables are package globals and survive between executions.
	jsonOutput = false
	statusAction = ""
	serverURL = defaultServerURL
	err := rootCmd.Execute()
	return out.String(), err
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", "dep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "package.json"), []byte(`{"name":"app"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "main.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "dep", "index.js"), []byte("x"), 0o644))

	zipPath := filepath.Join(t.TempDir(), "snap.zip")
	out, err := run(t, "archive", "create", src, zipPath)
	require.NoError(t, err)
	require.Contains(t, out, "2 files")

	dst := t.TempDir()
	out, err = run(t, "archive", "extract", zipPath, dst)
	require.NoError(t, err)
	require.Contains(t, out, "Extracted 2 files")

	data, err := os.ReadFile(filepath.Join(dst, "src", "main.js"))
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", string(data))
	require.NoDirExists(t, filepath.Join(dst, "node_modules"))
}

func TestProjectCommands(t *testing.T) {
	d, err := db.Open(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	prov := providertest.New()
	svc := orchestrator.New(orchestrator.Deps{
		Store:     sbxstore.NewStore(d),
		Provider:  prov,
		Workspace: workspace.New(prov, workspace.DefaultConfig()),
		Blobs:     blobtest.New(),
	}, orchestrator.DefaultConfig())
	ts := httptest.NewServer(server.New(svc, nil).Router())
	t.Cleanup(ts.Close)

	out, err := run(t, "--server", ts.URL, "--json", "project", "create", "Demo")
	require.NoError(t, err)
	var p sbxstore.Project
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.Equal(t, "Demo", p.Name)

	out, err = run(t, "--server", ts.URL, "project", "list")
	require.NoError(t, err)
	require.Contains(t, out, p.ID)
	require.Contains(t, out, "1 of 1 projects")

	out, err = run(t, "--server", ts.URL, "open", p.ID)
	require.NoError(t, err)
	require.Contains(t, out, "created")

	out, err = run(t, "--server", ts.URL, "status", p.ID)
	require.NoError(t, err)
	require.Contains(t, out, "running")

	_, err = run(t, "--server", ts.URL, "status", p.ID, "--action", "explode")
	require.ErrorContains(t, err, "VALIDATION_ERROR")

	_, err = run(t, "--server", ts.URL, "project", "get", "missing")
	require.ErrorContains(t, err, "NOT_FOUND")
}

func TestApplyServeFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&port, "port", 8080, "")
	cmd.Flags().StringVar(&backend, "backend", "docker", "")
	cmd.Flags().StringVar(&blobDir, "blob-dir", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9999", "--blob-dir", "/data"}))

	cfg := config.Default()
	cfg.Backend = config.BackendK8s
	applyServeFlags(cmd, &cfg)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/data", cfg.Blob.Dir)
	// Unset flags leave the file and environment values alone.
	require.Equal(t, config.BackendK8s, cfg.Backend)
}
