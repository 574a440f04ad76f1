package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// SpawnSpec describes one agent subprocess.
type SpawnSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Credential drops the subprocess to the session owner. Nil runs
	// as the daemon user (unix isolation disabled).
	Credential *Credential
}

// Credential is the unix identity the subprocess runs under.
type Credential struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Process is a running agent subprocess.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Signal delivers the graceful termination signal.
	Signal(sig syscall.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
	PID() int
}

// ProcessSpawner launches agent subprocesses. The exec implementation
// is replaced by a scripted fake in tests.
type ProcessSpawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner spawns real subprocesses via os/exec.
type ExecSpawner struct{}

// NewExecSpawner creates the default spawner.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{}
}

// Spawn starts the subprocess with its pipes attached.
func (s *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	if spec.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid:    spec.Credential.UID,
				Gid:    spec.Credential.GID,
				Groups: spec.Credential.Groups,
			},
			// Own process group so signals do not hit the daemon
			Setpgid: true,
		}
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig syscall.Signal) error {
	// Negative pid signals the whole process group.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *execProcess) Kill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
