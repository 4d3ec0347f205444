package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/amp-labs/keyremap-controller/logger"
)

// Result is what a finished command produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs external commands. LaunchAgent goes through it so tests can
// script launchctl.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Command is a builder around exec.Cmd.
type Command struct {
	cmd      *exec.Cmd
	finished []func()
}

// NewCommand prepares name with args, inheriting the process environment.
func NewCommand(ctx context.Context, name string, args ...string) *Command {
	c := exec.CommandContext(ctx, name, args...)
	c.Env = os.Environ()

	return &Command{
		cmd: c,
	}
}

func (c *Command) SetDir(dir string) *Command {
	c.cmd.Dir = dir

	return c
}

func (c *Command) AppendEnv(key, value string) *Command {
	c.cmd.Env = append(c.cmd.Env, key+"="+value)

	return c
}

// SetStdoutObserver hands the captured stdout to f once the command exits.
func (c *Command) SetStdoutObserver(f func([]byte)) *Command {
	var buf bytes.Buffer

	c.cmd.Stdout = &buf
	c.finished = append(c.finished, func() {
		f(buf.Bytes())
	})

	return c
}

// SetStderrObserver hands the captured stderr to f once the command exits.
func (c *Command) SetStderrObserver(f func([]byte)) *Command {
	var buf bytes.Buffer

	c.cmd.Stderr = &buf
	c.finished = append(c.finished, func() {
		f(buf.Bytes())
	})

	return c
}

// Run waits for the command. A non-zero exit is reported through the exit
// code, not the error; the error is for commands that could not run at all.
func (c *Command) Run(ctx context.Context) (int, error) {
	logger.Get(ctx).Debug("run cmd", "cmd", strings.Join(c.cmd.Args, " "))

	st, err := status(c.cmd.Run())

	for _, f := range c.finished {
		f()
	}

	return st, err
}

func status(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, err
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var res Result

	code, err := NewCommand(ctx, name, args...).
		SetStdoutObserver(func(b []byte) { res.Stdout = b }).
		SetStderrObserver(func(b []byte) { res.Stderr = b }).
		Run(ctx)

	res.ExitCode = code

	return res, err
}
