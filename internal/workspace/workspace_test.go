package workspace_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentserver/projectbox/internal/archive"
	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/provider/providertest"
	"github.com/agentserver/projectbox/internal/workspace"
)

func newSandbox(t *testing.T) (*providertest.Provider, *provider.Handle, *workspace.Workspace) {
	t.Helper()
	p := providertest.New()
	h, err := p.Create(context.Background(), provider.CreateOptions{Name: "sbx-test", TTL: time.Hour})
	require.NoError(t, err)
	return p, h, workspace.New(p, workspace.DefaultConfig())
}

func TestPackUnpackRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, h, ws := newSandbox(t)
	sb, _ := p.Sandbox(h.ID)
	sb.Files["src/app.js"] = []byte("app")
	sb.Files["node_modules/dep.js"] = []byte("dep")

	packed, err := ws.Pack(ctx, h, archive.DefaultMaxFileSize)
	require.NoError(t, err)

	a, err := archive.Encode(bytes.NewReader(packed.Tar), archive.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 1, a.Files)

	other, err := p.Create(ctx, provider.CreateOptions{Name: "sbx-other", TTL: time.Hour})
	require.NoError(t, err)
	restored, err := archive.ToTar(a.Data)
	require.NoError(t, err)
	require.NoError(t, ws.Unpack(ctx, other, restored))

	osb, _ := p.Sandbox(other.ID)
	require.Equal(t, map[string][]byte{"src/app.js": []byte("app")}, osb.Files)
}

func TestDevListeningFollowsStartDev(t *testing.T) {
	ctx := context.Background()
	_, h, ws := newSandbox(t)

	listening, err := ws.DevListening(ctx, h)
	require.NoError(t, err)
	require.False(t, listening)

	require.NoError(t, ws.StartDev(ctx, h))
	listening, err = ws.DevListening(ctx, h)
	require.NoError(t, err)
	require.True(t, listening)
}

func TestProbeReportsProviderErrors(t *testing.T) {
	ctx := context.Background()
	p, h, ws := newSandbox(t)
	require.NoError(t, ws.Probe(ctx, h))

	p.SetError(workspace.CmdProbe, errors.New("exec refused"))
	require.ErrorContains(t, ws.Probe(ctx, h), "exec refused")
}

func TestTemplateScaffolder(t *testing.T) {
	ctx := context.Background()
	p, h, ws := newSandbox(t)

	require.NoError(t, workspace.NewTemplateScaffolder(ws).Scaffold(ctx, h))

	sb, _ := p.Sandbox(h.ID)
	require.Contains(t, sb.Files, "package.json")
	require.Contains(t, sb.Files, "src/main.js")
}

func TestEnsurePackageJSONKeepsExisting(t *testing.T) {
	ctx := context.Background()
	p, h, ws := newSandbox(t)
	sb, _ := p.Sandbox(h.ID)
	sb.Files["package.json"] = []byte(`{"name":"mine"}`)

	require.NoError(t, ws.EnsurePackageJSON(ctx, h))
	require.Equal(t, `{"name":"mine"}`, string(sb.Files["package.json"]))
}
