// Package unixenv provisions the unix users, groups, permission bits
// and symlinks that isolate agent sessions from each other on the host.
package unixenv

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// OpError reports a failed provisioning command. Helper commands are
// never retried; the caller decides whether the logical operation is
// fatal.
type OpError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("unix_op_failed: %s (exit %d): %s", e.Op, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// CommandExecutor is the seam between the controller and the host.
// The production executor shells out (optionally through sudo); tests
// inject a scripted fake.
type CommandExecutor interface {
	// Exec runs a command and returns its stdout.
	Exec(ctx context.Context, name string, args ...string) (string, error)
	// ExecWithInput runs a command with input piped to stdin. Secrets
	// travel this way only; they must never appear in argv.
	ExecWithInput(ctx context.Context, input, name string, args ...string) (string, error)
	// Check runs a command and reports whether it exited zero.
	Check(ctx context.Context, name string, args ...string) bool
}

// ExecExecutor runs commands on the host, prefixed with the configured
// sudo command when the daemon does not itself run as root.
type ExecExecutor struct {
	// SudoPrefix is prepended to every command, e.g. ["sudo", "-n"].
	// Empty when the daemon runs privileged.
	SudoPrefix []string
}

func (e *ExecExecutor) build(ctx context.Context, name string, args []string) *exec.Cmd {
	if len(e.SudoPrefix) > 0 {
		full := append(append([]string{}, e.SudoPrefix[1:]...), name)
		full = append(full, args...)
		return exec.CommandContext(ctx, e.SudoPrefix[0], full...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (e *ExecExecutor) run(ctx context.Context, input, name string, args []string) (string, error) {
	cmd := e.build(ctx, name, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &OpError{
			Op:       name + " " + strings.Join(args, " "),
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), nil
}

// Exec runs a command and returns its stdout.
func (e *ExecExecutor) Exec(ctx context.Context, name string, args ...string) (string, error) {
	return e.run(ctx, "", name, args)
}

// ExecWithInput runs a command with input piped to stdin.
func (e *ExecExecutor) ExecWithInput(ctx context.Context, input, name string, args ...string) (string, error) {
	return e.run(ctx, input, name, args)
}

// Check reports whether the command exited zero.
func (e *ExecExecutor) Check(ctx context.Context, name string, args ...string) bool {
	_, err := e.run(ctx, "", name, args)
	return err == nil
}

// FakeCall records one executed command for assertions.
type FakeCall struct {
	Name  string
	Args  []string
	Input string
}

// String renders the call as a command line; stdin input is omitted.
func (c FakeCall) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// FakeExecutor records calls and replays scripted results. The zero
// value succeeds every command with empty output.
type FakeExecutor struct {
	mu    sync.Mutex
	calls []FakeCall

	// Outputs maps a command-line prefix to its stdout.
	Outputs map[string]string
	// Failures maps a command-line prefix to an error.
	Failures map[string]error
	// ExistingChecks lists Check command lines that report true.
	ExistingChecks map[string]bool
}

func (f *FakeExecutor) record(name string, args []string, input string) FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := FakeCall{Name: name, Args: args, Input: input}
	f.calls = append(f.calls, call)
	return call
}

func (f *FakeExecutor) lookup(line string) (string, error) {
	for prefix, err := range f.Failures {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.Outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *FakeExecutor) Exec(ctx context.Context, name string, args ...string) (string, error) {
	call := f.record(name, args, "")
	return f.lookup(call.String())
}

func (f *FakeExecutor) ExecWithInput(ctx context.Context, input, name string, args ...string) (string, error) {
	call := f.record(name, args, input)
	return f.lookup(call.String())
}

func (f *FakeExecutor) Check(ctx context.Context, name string, args ...string) bool {
	call := f.record(name, args, "")
	return f.ExistingChecks[call.String()]
}

// Calls returns every recorded call.
func (f *FakeExecutor) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallLines returns every recorded call as a command line.
func (f *FakeExecutor) CallLines() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}
