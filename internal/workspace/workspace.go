// Package workspace runs the project working-directory operations inside
// a sandbox: packing, unpacking, dependency install, dev server control
// and diagnostics.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/agentserver/projectbox/internal/archive"
	"github.com/agentserver/projectbox/internal/provider"
)

// Command names. Providers only use them for logging; test doubles
// dispatch on them.
const (
	CmdPack          = "workspace-pack"
	CmdUnpack        = "workspace-unpack"
	CmdEnsurePackage = "workspace-ensure-package"
	CmdInstall       = "workspace-install"
	CmdStartDev      = "workspace-dev"
	CmdProbe         = "workspace-probe"
	CmdPortCheck     = "workspace-port-check"
	CmdCleanup       = "workspace-cleanup"
	CmdRemoveFile    = "workspace-rm"
)

const tmpPrefix = "/tmp/projectbox-"

// Config describes the working directory layout and operation timeouts.
type Config struct {
	Workdir string
	DevPort int

	TransferTimeout  time.Duration
	InstallTimeout   time.Duration
	StartTimeout     time.Duration
	ProbeTimeout     time.Duration
	PortCheckTimeout time.Duration
	CleanupTimeout   time.Duration
}

// DefaultConfig matches a Vite project under /home/user/app.
func DefaultConfig() Config {
	return Config{
		Workdir:          "/home/user/app",
		DevPort:          5173,
		TransferTimeout:  60 * time.Second,
		InstallTimeout:   120 * time.Second,
		StartTimeout:     30 * time.Second,
		ProbeTimeout:     10 * time.Second,
		PortCheckTimeout: 5 * time.Second,
		CleanupTimeout:   15 * time.Second,
	}
}

// Workspace executes working-directory operations through a provider.
type Workspace struct {
	p   provider.Provider
	cfg Config
}

func New(p provider.Provider, cfg Config) *Workspace {
	return &Workspace{p: p, cfg: cfg}
}

// Config returns the workspace configuration.
func (w *Workspace) Config() Config {
	return w.cfg
}

// Packed is the raw result of Pack.
type Packed struct {
	Tar []byte
	// Skipped lists regular files left in the sandbox because they exceed
	// the size ceiling.
	Skipped []archive.Skipped
}

// Pack returns a tar stream of the regular files in the working directory.
// Denied directories are pruned and files larger than maxFileSize are
// never read, so they do not leave the sandbox. A non-positive maxFileSize
// disables the ceiling. The archive codec filters again.
func (w *Workspace) Pack(ctx context.Context, h *provider.Handle, maxFileSize int64) (*Packed, error) {
	tmp := tmpPrefix + "pack-" + strconv.FormatInt(time.Now().UnixNano(), 36) + ".tar"

	lines := []string{
		"set -e",
		"mkdir -p " + shellquote.Join(w.cfg.Workdir),
		"cd " + shellquote.Join(w.cfg.Workdir),
	}
	kept := findFiles()
	if maxFileSize > 0 {
		limit := "+" + strconv.FormatInt(maxFileSize, 10) + "c"
		lines = append(lines, shellquote.Join(append(findFiles(), "-size", limit, "-printf", `%s\t%P\n`)...))
		kept = append(kept, "!", "-size", limit)
	}
	kept = append(kept, "-print0")
	lines = append(lines, shellquote.Join(kept...)+" | tar --null --no-recursion -cf "+shellquote.Join(tmp)+" -T -")

	out, err := w.p.Execute(ctx, h, provider.Command{
		Name:     CmdPack,
		Script:   strings.Join(lines, "\n"),
		Artifact: tmp,
		Timeout:  w.cfg.TransferTimeout,
	})
	w.removeFile(ctx, h, tmp)
	if err != nil {
		return nil, fmt.Errorf("pack workspace: %w", err)
	}
	if len(out.Artifact) == 0 {
		return nil, fmt.Errorf("pack workspace: empty artifact")
	}
	return &Packed{Tar: out.Artifact, Skipped: parseSkipped(out.Stdout)}, nil
}

// findFiles starts a find expression over regular files that prunes the
// denied directories at any depth and drops the denied file names.
func findFiles() []string {
	args := []string{"find", ".", "-type", "d", "("}
	for i, d := range archive.DeniedDirs {
		if i > 0 {
			args = append(args, "-o")
		}
		args = append(args, "-name", d)
	}
	args = append(args, ")", "-prune", "-o", "-type", "f")
	for _, f := range archive.DeniedFiles {
		args = append(args, "!", "-name", f)
	}
	return args
}

// parseSkipped reads "<size>\t<path>" lines.
func parseSkipped(stdout []byte) []archive.Skipped {
	var skipped []archive.Skipped
	for _, line := range strings.Split(string(stdout), "\n") {
		size, name, ok := strings.Cut(line, "\t")
		if !ok || name == "" {
			continue
		}
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			continue
		}
		skipped = append(skipped, archive.Skipped{Path: name, Size: n})
	}
	return skipped
}

// Unpack replaces the working directory with the contents of a tar stream.
func (w *Workspace) Unpack(ctx context.Context, h *provider.Handle, tarData []byte) error {
	tmp := tmpPrefix + "transfer.tar"
	dir := shellquote.Join(w.cfg.Workdir)
	script := strings.Join([]string{
		"set -e",
		"cat > " + tmp,
		"rm -rf " + dir,
		"mkdir -p " + dir,
		"tar -xf " + tmp + " -C " + dir,
		"rm -f " + tmp,
	}, "\n")
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdUnpack,
		Script:  script,
		Stdin:   tarData,
		Timeout: w.cfg.TransferTimeout,
	})
	if err != nil {
		return fmt.Errorf("unpack workspace: %w", err)
	}
	return nil
}

// EnsurePackageJSON writes a minimal package.json when the working
// directory has none, so install and dev start have something to run.
func (w *Workspace) EnsurePackageJSON(ctx context.Context, h *provider.Handle) error {
	pkg := `{"name":"project","private":true,"version":"0.0.0","type":"module",` +
		`"scripts":{"dev":"vite","build":"vite build"},"devDependencies":{"vite":"^5.0.0"}}`
	script := "cd " + shellquote.Join(w.cfg.Workdir) + " && [ -f package.json ] || printf '%s\\n' " +
		shellquote.Join(pkg) + " > package.json"
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdEnsurePackage,
		Script:  script,
		Timeout: w.cfg.CleanupTimeout,
	})
	if err != nil {
		return fmt.Errorf("ensure package.json: %w", err)
	}
	return nil
}

// Install installs project dependencies.
func (w *Workspace) Install(ctx context.Context, h *provider.Handle) error {
	script := "cd " + shellquote.Join(w.cfg.Workdir) +
		" && if [ -f package.json ]; then npm install --no-audit --no-fund; fi"
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdInstall,
		Script:  script,
		Timeout: w.cfg.InstallTimeout,
	})
	if err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}
	return nil
}

// StartDev (re)starts the dev server detached from the invoking shell.
func (w *Workspace) StartDev(ctx context.Context, h *provider.Handle) error {
	script := "pkill -f 'npm run dev' >/dev/null 2>&1 || true; cd " + shellquote.Join(w.cfg.Workdir) +
		" && exec npm run dev -- --host 0.0.0.0 --port " + strconv.Itoa(w.cfg.DevPort)
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:       CmdStartDev,
		Script:     script,
		Background: true,
		Timeout:    w.cfg.StartTimeout,
	})
	if err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	return nil
}

// Probe runs a lightweight diagnostic command.
func (w *Workspace) Probe(ctx context.Context, h *provider.Handle) error {
	out, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdProbe,
		Script:  "echo ok",
		Timeout: w.cfg.ProbeTimeout,
	})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if !bytes.Contains(out.Stdout, []byte("ok")) {
		return fmt.Errorf("probe: unexpected output %q", bytes.TrimSpace(out.Stdout))
	}
	return nil
}

// DevListening reports whether something listens on the dev server port.
func (w *Workspace) DevListening(ctx context.Context, h *provider.Handle) (bool, error) {
	port := strconv.Itoa(w.cfg.DevPort)
	script := "(netstat -tln 2>/dev/null || ss -tln 2>/dev/null) | grep -q ':" + port + " '"
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdPortCheck,
		Script:  script,
		Timeout: w.cfg.PortCheckTimeout,
	})
	if err != nil {
		var exitErr *provider.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Cleanup removes transfer temp files.
func (w *Workspace) Cleanup(ctx context.Context, h *provider.Handle) error {
	_, err := w.p.Execute(ctx, h, provider.Command{
		Name:    CmdCleanup,
		Script:  "rm -f " + tmpPrefix + "*.tar",
		Timeout: w.cfg.CleanupTimeout,
	})
	if err != nil {
		return fmt.Errorf("cleanup temp files: %w", err)
	}
	return nil
}

// Endpoint returns the URL of the dev server.
func (w *Workspace) Endpoint(ctx context.Context, h *provider.Handle) (string, error) {
	return w.p.Endpoint(ctx, h, w.cfg.DevPort)
}

func (w *Workspace) removeFile(ctx context.Context, h *provider.Handle, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
	defer cancel()
	w.p.Execute(ctx, h, provider.Command{Name: CmdRemoveFile, Script: "rm -f " + shellquote.Join(path)})
}
