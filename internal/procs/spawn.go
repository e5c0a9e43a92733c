package procs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// WorkerEnv marks a child process as a supervised worker. The worker binary
// checks this variable and enters its serve loop instead of hosting a
// supervisor of its own.
const WorkerEnv = "PERFSUP_WORKER"

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait() error
	// Signal sends sig to the process.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
}

// Spawner launches worker processes. The exec-based implementation is the
// default; tests substitute in-memory fakes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Signal(syscall.SIGKILL)
}

type execSpawner struct {
	command string
	args    []string
}

// NewExecSpawner builds the default spawner. An empty command re-executes
// the current binary with WorkerEnv set, which is how a single-binary
// deployment runs its workers.
func NewExecSpawner(command string, args []string) (Spawner, error) {
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker executable: %w", err)
		}
		command = self
	}
	return &execSpawner{command: command, args: args}, nil
}

func (s *execSpawner) Spawn(ctx context.Context) (Process, error) {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", s.command, err)
	}
	return &execProcess{cmd: cmd}, nil
}
