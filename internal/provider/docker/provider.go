// Package docker runs project sandboxes as local Docker containers.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/agentserver/projectbox/internal/provider"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "projectbox"
	labelExpiresAt = "projectbox.expires-at"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider on the Docker Engine API. A
// sandbox is a container running sleep for its TTL, so the engine itself
// retires it on expiry.
type Provider struct {
	cfg    Config
	cli    *client.Client
	logger *log.Logger
}

// New connects to the Docker daemon configured by the environment.
func New(cfg Config, logger *log.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{cfg: cfg, cli: cli, logger: logger}, nil
}

// CleanExpired removes managed containers whose TTL label has passed.
func (p *Provider) CleanExpired(ctx context.Context) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		p.logger.Warn("list managed containers failed", "error", err)
		return
	}
	now := time.Now()
	for _, c := range containers {
		exp, ok := expiresAt(c.Labels)
		if ok && exp.After(now) && c.State == "running" {
			continue
		}
		p.logger.Info("removing expired container", "container", c.ID[:12])
		p.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func (p *Provider) Create(ctx context.Context, opts provider.CreateOptions) (*provider.Handle, error) {
	now := time.Now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	exp := now.Add(ttl)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range opts.Ports {
		np, err := nat.NewPort("tcp", strconv.Itoa(port))
		if err != nil {
			return nil, fmt.Errorf("port %d: %w", port, err)
		}
		exposed[np] = struct{}{}
		bindings[np] = []nat.PortBinding{{HostIP: "0.0.0.0"}}
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	pidsLimit := p.cfg.PidsLimit
	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        p.cfg.Image,
			Cmd:          []string{"sleep", strconv.Itoa(int(ttl.Seconds()))},
			Env:          env,
			ExposedPorts: exposed,
			Labels: map[string]string{
				labelManagedBy: labelValue,
				labelExpiresAt: exp.UTC().Format(time.RFC3339),
			},
		},
		&container.HostConfig{
			AutoRemove:   true,
			CapDrop:      []string{"NET_RAW", "SYS_ADMIN"},
			SecurityOpt:  []string{"no-new-privileges"},
			NetworkMode:  container.NetworkMode(p.cfg.NetworkMode),
			PortBindings: bindings,
			Resources: container.Resources{
				Memory:    p.cfg.MemoryLimit,
				NanoCPUs:  p.cfg.NanoCPUs,
				PidsLimit: &pidsLimit,
			},
		},
		nil, nil, opts.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}

	h := &provider.Handle{ID: opts.Name, Addr: resp.ID, CreatedAt: now, ExpiresAt: exp}
	if p.cfg.Workdir != "" {
		mk := provider.Command{Name: "mkdir-workdir", Script: "mkdir -p " + p.cfg.Workdir, Timeout: 30 * time.Second}
		if _, err := p.Execute(ctx, h, mk); err != nil {
			p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return nil, fmt.Errorf("prepare workdir: %w", err)
		}
	}
	return h, nil
}

func (p *Provider) Connect(ctx context.Context, id string) (*provider.Handle, error) {
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return nil, provider.ErrNotFound
	}

	h := &provider.Handle{ID: id, Addr: info.ID}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		h.CreatedAt = created
	}
	if info.Config != nil {
		if exp, ok := expiresAt(info.Config.Labels); ok {
			h.ExpiresAt = exp
		}
	}
	return h, nil
}

func (p *Provider) Execute(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.Output, error) {
	ctx, cancel := provider.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	script := cmd.Script
	if cmd.Background {
		script = provider.DetachScript(script, "/tmp/"+cmd.Name+".log")
	}

	exec, err := p.cli.ContainerExecCreate(ctx, h.Addr, container.ExecOptions{
		Cmd:          []string{"sh", "-c", script},
		AttachStdin:  len(cmd.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, fmt.Errorf("exec create %s: %w", cmd.Name, err)
	}

	resp, err := p.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach %s: %w", cmd.Name, err)
	}
	defer resp.Close()

	if len(cmd.Stdin) > 0 {
		go func() {
			if _, err := io.Copy(resp.Conn, bytes.NewReader(cmd.Stdin)); err != nil {
				p.logger.Warn("exec stdin copy failed", "command", cmd.Name, "error", err)
			}
			resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("exec %s: %w", cmd.Name, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("exec %s output: %w", cmd.Name, err)
		}
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect %s: %w", cmd.Name, err)
	}

	out := &provider.Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}
	if err := provider.CheckExit(cmd.Name, out); err != nil {
		return out, err
	}
	if cmd.Artifact != "" {
		data, err := p.readFile(ctx, h.Addr, cmd.Artifact)
		if err != nil {
			return out, fmt.Errorf("read artifact %s: %w", cmd.Artifact, err)
		}
		out.Artifact = data
	}
	return out, nil
}

// readFile copies a single regular file out of the container.
func (p *Provider) readFile(ctx context.Context, containerID, path string) ([]byte, error) {
	rc, _, err := p.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in copy stream", path)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (p *Provider) Endpoint(ctx context.Context, h *provider.Handle, port int) (string, error) {
	info, err := p.cli.ContainerInspect(ctx, h.Addr)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", provider.ErrNotFound
		}
		return "", fmt.Errorf("container inspect: %w", err)
	}
	np, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", h.ID)
	}
	for _, b := range info.NetworkSettings.Ports[np] {
		if b.HostPort != "" {
			return fmt.Sprintf("http://%s:%s", p.cfg.PublicHost, b.HostPort), nil
		}
	}
	return "", fmt.Errorf("port %d is not published for %s", port, h.ID)
}

func (p *Provider) Terminate(ctx context.Context, h *provider.Handle) error {
	target := h.Addr
	if target == "" {
		target = h.ID
	}
	timeout := 5
	if err := p.cli.ContainerStop(ctx, target, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		p.logger.Warn("container stop failed", "sandbox_id", h.ID, "error", err)
	}
	err := p.cli.ContainerRemove(ctx, target, container.RemoveOptions{Force: true})
	// AutoRemove may already be deleting the container after stop.
	if err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.cli.Close()
}

func expiresAt(labels map[string]string) (time.Time, bool) {
	raw, ok := labels[labelExpiresAt]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
