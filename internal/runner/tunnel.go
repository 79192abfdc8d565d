package runner

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"
)

// Tunnel connects the run to a remote grid. It is established once per
// run and torn down during cleanup regardless of the run's outcome.
type Tunnel interface {
	Start(ctx context.Context) error
	Stop() error
}

// NoopTunnel is used for runs with no remote browsers or no tunnel
// command configured.
type NoopTunnel struct{}

func (NoopTunnel) Start(context.Context) error { return nil }
func (NoopTunnel) Stop() error                 { return nil }

// CommandTunnel runs a user-supplied tunnel binary (e.g. a grid vendor's
// connect client) for the duration of the run.
type CommandTunnel struct {
	mu      sync.Mutex
	log     logrus.FieldLogger
	command string
	cmd     *exec.Cmd
}

// NewCommandTunnel creates a tunnel that runs the given shell-quoted
// command line.
func NewCommandTunnel(log logrus.FieldLogger, command string) *CommandTunnel {
	return &CommandTunnel{
		log:     log.WithField("component", "tunnel"),
		command: command,
	}
}

// Start launches the tunnel process and leaves it running.
func (t *CommandTunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	words, err := shellquote.Split(t.command)
	if err != nil {
		return fmt.Errorf("parsing tunnel command: %w", err)
	}
	if len(words) == 0 {
		return fmt.Errorf("empty tunnel command")
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting tunnel: %w", err)
	}
	t.cmd = cmd

	t.log.WithField("pid", cmd.Process.Pid).Info("tunnel established")

	return nil
}

// Stop terminates the tunnel process. Best-effort: a tunnel that already
// exited is not an error.
func (t *CommandTunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	if err := t.cmd.Process.Kill(); err != nil {
		t.log.WithError(err).Warn("failed to kill tunnel process")
	}
	_ = t.cmd.Wait()
	t.cmd = nil

	return nil
}
