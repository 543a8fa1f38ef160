package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// LaunchSpec is everything needed to spawn one skill process.
type LaunchSpec struct {
	// Command is the resolved runtime or entry binary.
	Command string
	// Args follow the command, e.g. ["run", "skill.py"].
	Args []string
	// Dir is the working directory, normally the skill's install dir.
	Dir string
	// Env is the complete child environment. Nothing else is inherited.
	Env []string
}

// Process is a spawned child seen through its control surfaces.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. Called exactly once.
	Wait() error
	// Kill force-terminates. Safe to call after exit.
	Kill() error
}

// Launcher spawns processes. The default launcher uses os/exec; tests swap
// in scripted fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher spawns real OS processes.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("launch: empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdin pipe: %w", spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stdout pipe: %w", spec.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch %s: stderr pipe: %w", spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.Command, err)
	}
	_ = ctx // spawn is immediate; lifetime is managed by the supervisor, not ctx

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ExitCode extracts the exit code from a Wait error. -1 means the code is
// unknown (signal kill or pipe failure).
func ExitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// defaultEnvAllowlist is the minimal environment a child inherits. Anything
// beyond it must be injected explicitly.
var defaultEnvAllowlist = []string{
	"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TERM", "USER",
}

// BuildEnv assembles a child environment from the host allowlist plus
// explicit extra entries ("KEY=value"). Extras win over inherited values by
// order: exec uses the last duplicate.
func BuildEnv(allowlist []string, extra ...string) []string {
	if allowlist == nil {
		allowlist = defaultEnvAllowlist
	}
	env := make([]string, 0, len(allowlist)+len(extra))
	for _, key := range allowlist {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return append(env, extra...)
}
