package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/skillhost-dev/skillhost/manifest"
)

// Runner executes runtime binaries outside the protocol path: version
// probes, installer scripts, and pre-warm runs.
type Runner interface {
	// Output runs name with args and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Run executes name in dir with extra environment entries appended to
	// the host environment, discarding output.
	Run(ctx context.Context, dir string, env []string, name string, args ...string) error
}

// ExecRunner is the os/exec implementation of Runner.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

func defaultLookPath(file string) (string, error) { return exec.LookPath(file) }

func binaryName(kind manifest.RuntimeKind) string {
	switch kind {
	case manifest.RuntimeNode:
		return "node"
	default:
		return "uv"
	}
}

// parseVersion extracts a canonical semver from a runtime's --version
// output: "uv 0.4.18 (hash date)" or "v22.1.0".
func parseVersion(kind manifest.RuntimeKind, out []byte) (string, error) {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "", fmt.Errorf("empty version output")
	}

	switch kind {
	case manifest.RuntimeUV:
		fields := strings.Fields(s)
		if len(fields) < 2 {
			return "", fmt.Errorf("unrecognized uv version output %q", s)
		}
		s = fields[1]
	case manifest.RuntimeNode:
		s = strings.TrimPrefix(strings.Fields(s)[0], "v")
	}

	v, err := semver.NewVersion(s)
	if err != nil {
		return "", fmt.Errorf("unparseable version %q: %w", s, err)
	}
	return v.String(), nil
}

// BuildCommand assembles the spawn command for a skill: the resolved
// runtime binary plus the entry point, or the entry executable itself for
// binary skills. The process runs with the skill directory as cwd, so
// entry paths stay relative except for the binary kind, where exec would
// otherwise resolve the name against the host's cwd.
func BuildCommand(info RuntimeInfo, desc *manifest.SkillDescriptor, skillDir string) (string, []string) {
	entry := desc.Entry.File
	switch desc.Runtime.Kind {
	case manifest.RuntimeNode:
		return info.Path, append([]string{entry}, desc.Entry.Args...)
	case manifest.RuntimeBinary:
		return filepath.Join(skillDir, entry), append([]string(nil), desc.Entry.Args...)
	default:
		return info.Path, append([]string{"run", "--quiet", entry}, desc.Entry.Args...)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
