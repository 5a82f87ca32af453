package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/agentserver/projectbox/internal/provider"
)

func (p *Provider) Execute(ctx context.Context, h *provider.Handle, cmd provider.Command) (*provider.Output, error) {
	ctx, cancel := provider.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	script := cmd.Script
	if cmd.Background {
		script = provider.DetachScript(script, "/tmp/"+cmd.Name+".log")
	}

	var stdin io.Reader
	if len(cmd.Stdin) > 0 {
		stdin = bytes.NewReader(cmd.Stdin)
	}
	stdout, stderr, code, err := p.stream(ctx, h.Addr, []string{"sh", "-c", script}, stdin)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", cmd.Name, err)
	}

	out := &provider.Output{Stdout: stdout, Stderr: stderr, ExitCode: code}
	if err := provider.CheckExit(cmd.Name, out); err != nil {
		return out, err
	}
	if cmd.Artifact != "" {
		data, errOut, code, err := p.stream(ctx, h.Addr, []string{"cat", cmd.Artifact}, nil)
		if err != nil {
			return out, fmt.Errorf("read artifact %s: %w", cmd.Artifact, err)
		}
		if code != 0 {
			return out, fmt.Errorf("read artifact %s: %s", cmd.Artifact, bytes.TrimSpace(errOut))
		}
		out.Artifact = data
	}
	return out, nil
}

// stream runs command in the sandbox container and collects stdout and
// stderr separately. A non-zero exit is reported through the exit code.
func (p *Provider) stream(ctx context.Context, podName string, command []string, stdin io.Reader) ([]byte, []byte, int, error) {
	executor, err := p.createExecutor(podName, command, stdin != nil)
	if err != nil {
		return nil, nil, 0, err
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitStatus(), nil
		}
		return nil, nil, 0, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// createExecutor builds a remotecommand executor using WebSocket with SPDY fallback,
// matching the kubectl exec pattern.
func (p *Provider) createExecutor(podName string, command []string, withStdin bool) (remotecommand.Executor, error) {
	req := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(p.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sandboxContainerName,
			Command:   command,
			Stdin:     withStdin,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	wsExec, err := remotecommand.NewWebSocketExecutor(p.restCfg, http.MethodGet, req.URL().String())
	if err != nil {
		return nil, err
	}

	spdyExec, err := remotecommand.NewSPDYExecutor(p.restCfg, http.MethodPost, req.URL())
	if err != nil {
		return nil, err
	}

	return remotecommand.NewFallbackExecutor(wsExec, spdyExec, func(err error) bool {
		return true
	})
}
