// Package providertest provides an in-memory provider.Provider for tests.
//
// Each fake sandbox holds its working directory as a map of relative
// paths to contents and understands the workspace command names, so
// pack/unpack round trips behave like a real sandbox.
package providertest

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentserver/projectbox/internal/provider"
	"github.com/agentserver/projectbox/internal/workspace"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Sandbox is the state of one fake sandbox.
type Sandbox struct {
	ID         string
	Files      map[string][]byte
	ExpiresAt  time.Time
	Terminated bool
	Installed  bool
	DevRunning bool
}

// Call is a recorded method invocation.
type Call struct {
	Method string
	ID     string
	// Command is the command name for Execute calls.
	Command string
}

// Provider is a fake provider. Errors keyed by method name ("create",
// "connect", "endpoint", "terminate") or by command name are returned
// instead of performing the operation.
type Provider struct {
	mu sync.Mutex

	Sandboxes map[string]*Sandbox
	Errors    map[string]error
	CallLog   []Call
	Now       func() time.Time

	seq int
}

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{
		Sandboxes: make(map[string]*Sandbox),
		Errors:    make(map[string]error),
		Now:       time.Now,
	}
}

// SetError makes the named method or command fail with err. A nil err clears it.
func (p *Provider) SetError(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.Errors, op)
		return
	}
	p.Errors[op] = err
}

// Sandbox returns the fake sandbox with the given id.
func (p *Provider) Sandbox(id string) (*Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.Sandboxes[id]
	return sb, ok
}

// Live returns the ids of sandboxes that were not terminated, sorted.
func (p *Provider) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, sb := range p.Sandboxes {
		if !sb.Terminated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Calls returns the number of recorded calls of method.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.CallLog {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Commands returns the recorded Execute command names for a sandbox.
func (p *Provider) Commands(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, c := range p.CallLog {
		if c.Method == "execute" && c.ID == id {
			names = append(names, c.Command)
		}
	}
	return names
}

// Expire moves a sandbox's expiry to the current fake time.
func (p *Provider) Expire(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.Sandboxes[id]; ok {
		sb.ExpiresAt = p.Now()
	}
}

func (p *Provider) record(method, id, command string) {
	p.CallLog = append(p.CallLog, Call{Method: method, ID: id, Command: command})
}

func (p *Provider) Create(ctx context.Context, opts provider.CreateOptions) (*provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := opts.Name
	if id == "" || p.Sandboxes[id] != nil {
		id = fmt.Sprintf("fake-%d", p.seq)
	}
	p.record("create", id, "")
	if err := p.Errors["create"]; err != nil {
		return nil, err
	}
	now := p.Now()
	sb := &Sandbox{ID: id, Files: map[string][]byte{}, ExpiresAt: now.Add(opts.TTL)}
	p.Sandboxes[id] = sb
	return &provider.Handle{ID: id, Addr: id, CreatedAt: now, ExpiresAt: sb.ExpiresAt}, nil
}

func (p *Provider) Connect(ctx context.Context, id string) (*provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("connect", id, "")
	if err := p.Errors["connect"]; err != nil {
		return nil, err
	}
	sb, err := p.live(id)
	if err != nil {
		return nil, err
	}
	return &provider.Handle{ID: id, Addr: id, ExpiresAt: sb.ExpiresAt}, nil
}

func (p *Provider) Execute(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("execute", h.ID, cmd.Name)
	if err := p.Errors[cmd.Name]; err != nil {
		return nil, err
	}
	sb, err := p.live(h.ID)
	if err != nil {
		return nil, err
	}

	out := &provider.Output{}
	switch cmd.Name {
	case workspace.CmdPack:
		// Every file is packed; the size ceiling is left to the codec.
		data, err := tarFiles(sb.Files)
		if err != nil {
			return nil, err
		}
		out.Artifact = data
	case workspace.CmdUnpack:
		files, err := untarFiles(cmd.Stdin)
		if err != nil {
			out.ExitCode = 2
			out.Stderr = []byte(err.Error())
			return out, provider.CheckExit(cmd.Name, out)
		}
		sb.Files = files
	case workspace.CmdEnsurePackage:
		if _, ok := sb.Files["package.json"]; !ok {
			sb.Files["package.json"] = []byte(`{"name":"project"}`)
		}
	case workspace.CmdInstall:
		sb.Installed = true
	case workspace.CmdStartDev:
		sb.DevRunning = true
	case workspace.CmdProbe:
		out.Stdout = []byte("ok\n")
	case workspace.CmdPortCheck:
		if !sb.DevRunning {
			out.ExitCode = 1
			return out, provider.CheckExit(cmd.Name, out)
		}
	}
	return out, nil
}

func (p *Provider) Endpoint(ctx context.Context, h *provider.Handle, port int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("endpoint", h.ID, "")
	if err := p.Errors["endpoint"]; err != nil {
		return "", err
	}
	if _, err := p.live(h.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%d-%s.sandbox.test", port, h.ID), nil
}

func (p *Provider) Terminate(ctx context.Context, h *provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("terminate", h.ID, "")
	if err := p.Errors["terminate"]; err != nil {
		return err
	}
	if sb, ok := p.Sandboxes[h.ID]; ok {
		sb.Terminated = true
		sb.DevRunning = false
	}
	return nil
}

func (p *Provider) live(id string) (*Sandbox, error) {
	sb, ok := p.Sandboxes[id]
	if !ok || sb.Terminated || !p.Now().Before(sb.ExpiresAt) {
		return nil, provider.ErrNotFound
	}
	return sb, nil
}

func tarFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		if err := tw.WriteHeader(&tar.Header{
			Name:     "./" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(files[name])),
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(files[name]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func untarFiles(data []byte) (map[string][]byte, error) {
	files := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")] = b
	}
}
