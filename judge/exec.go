package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Command describes one synchronous child invocation: a compiler, the
// sandbox or a checker.
type Command struct {
	Path  string
	Args  []string
	Dir   string // working directory; empty inherits the worker's
	Stdin []byte
}

// CommandResult is what the child left behind. ExitCode is meaningful even
// when non-zero; the compiler and checker conventions are built on it.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// CommandRunner executes children. The pipeline depends on this seam so
// tests can script toolchain behaviour without real executables.
type CommandRunner interface {
	// Run blocks until the child exits. A non-zero exit status is a
	// result, not an error; an error means the child could not be run at
	// all or the context was cancelled.
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

type execRunner struct{}

// NewExecRunner returns the production CommandRunner built on os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	child := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	child.Dir = cmd.Dir
	child.Stdin = bytes.NewReader(cmd.Stdin)

	var stdout, stderr bytes.Buffer
	child.Stdout = &stdout
	child.Stderr = &stderr

	err := child.Run()
	res := CommandResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("failed to run %s: %w", cmd.Path, err)
	}
	return res, nil
}
