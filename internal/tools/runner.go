package tools

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// exitNotFound is the shell convention for a command that could not start.
const exitNotFound int32 = 127

// CommandRunner runs batch-system clients such as qsub and qstat. dir, when
// not empty, is the working directory of the command.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner runs commands on the local host. Env entries are appended to
// the inherited environment.
type ExecRunner struct {
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, int32, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), exitCodeOf(err), err
}

func exitCodeOf(err error) int32 {
	var exitErr *exec.ExitError
	var startErr *exec.Error
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return int32(exitErr.ExitCode())
	case errors.As(err, &startErr):
		return exitNotFound
	default:
		return 1
	}
}
