package acp

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Process is the subprocess an ACP conversation runs over: a line channel
// into the agent (stdin) and one out of it (stdout).
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Alive() bool
	Kill() error
}

// StartFunc launches the agent process. Injected so tests can substitute
// in-memory pipes for a real subprocess.
type StartFunc func(ctx context.Context) (Process, error)

// DockerExecStart returns a StartFunc that attaches to a running container
// via `docker exec -i`, running agentCmd inside it.
func DockerExecStart(containerName string, agentCmd []string) StartFunc {
	args := dockerExecArgs(containerName, agentCmd)
	return func(ctx context.Context) (Process, error) {
		return startCommand(ctx, "docker", args...)
	}
}

func dockerExecArgs(containerName string, agentCmd []string) []string {
	return append([]string{"exec", "-i", containerName}, agentCmd...)
}

// KubectlExecStart returns a StartFunc that attaches to a running pod via
// `kubectl exec -i`, running agentCmd inside it.
func KubectlExecStart(namespace, podName string, agentCmd []string) StartFunc {
	args := kubectlExecArgs(namespace, podName, agentCmd)
	return func(ctx context.Context) (Process, error) {
		return startCommand(ctx, "kubectl", args...)
	}
}

func kubectlExecArgs(namespace, podName string, agentCmd []string) []string {
	return append([]string{"exec", "-i", "-n", namespace, podName, "--"}, agentCmd...)
}

// execProcess wraps an exec.Cmd with pipe handles and liveness tracking.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	exited bool
}

func startCommand(ctx context.Context, name string, args ...string) (*execProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	go func() {
		_ = cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
	}()
	return p, nil
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
