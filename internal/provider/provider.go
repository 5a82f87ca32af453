// Package provider defines the capability the orchestrator needs from a
// remote sandbox provisioning service.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	shellquote "github.com/kballard/go-shellquote"
)

// ErrNotFound is returned when a sandbox no longer exists or cannot be reached by id.
var ErrNotFound = errors.New("sandbox not found")

// Handle references a live remote sandbox. Handles are process-local and
// never persisted; only ID is stable across processes.
type Handle struct {
	ID        string
	CreatedAt time.Time
	// ExpiresAt is the provider-enforced end of life, zero if unknown.
	ExpiresAt time.Time
	// Addr is provider-specific addressing (container name, pod name).
	Addr string
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	Name string
	TTL  time.Duration
	// Ports are container ports that must be reachable through Endpoint.
	Ports []int
	Env   map[string]string
}

// Command is a single non-interactive invocation inside a sandbox.
type Command struct {
	// Name labels the command in logs and lets test doubles dispatch on it.
	Name   string
	Script string
	Stdin  []byte
	// Artifact is a file read back from the sandbox after Script exits
	// successfully and returned in Output.Artifact.
	Artifact string
	// Background starts Script detached; Execute returns once it is launched.
	Background bool
	Timeout    time.Duration
}

// Output carries the separate result channels of a Command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Artifact []byte
	ExitCode int
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
}

// Provider creates, addresses and destroys sandboxes.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*Handle, error)
	Connect(ctx context.Context, id string) (*Handle, error)
	// Execute runs cmd and returns its output. A non-zero exit yields both
	// the Output and an *ExitError.
	Execute(ctx context.Context, h *Handle, cmd Command) (*Output, error)
	// Endpoint returns the externally reachable URL for a sandbox port.
	Endpoint(ctx context.Context, h *Handle, port int) (string, error)
	Terminate(ctx context.Context, h *Handle) error
}

// CheckExit converts a non-zero exit code into an *ExitError.
func CheckExit(name string, out *Output) error {
	if out == nil || out.ExitCode == 0 {
		return nil
	}
	stderr := string(out.Stderr)
	if len(stderr) > 512 {
		stderr = stderr[len(stderr)-512:]
	}
	return &ExitError{Name: name, ExitCode: out.ExitCode, Stderr: stderr}
}

// WithTimeout bounds ctx by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// DetachScript wraps script so that it keeps running after the invoking
// shell returns, with output appended to logFile.
func DetachScript(script, logFile string) string {
	return "nohup sh -c " + shellquote.Join(script) + " >>" + shellquote.Join(logFile) + " 2>&1 </dev/null &"
}
