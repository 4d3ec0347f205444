package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLaunchd answers launchctl calls from an in-memory service table.
type fakeLaunchd struct {
	mu        sync.Mutex
	loaded    bool
	pid       int
	nextPID   int
	calls     []string
	failStart bool
}

func (f *fakeLaunchd) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name != launchctlPath {
		return Result{}, fmt.Errorf("unexpected command %s", name) //nolint:err113
	}

	f.calls = append(f.calls, strings.Join(args, " "))

	switch args[0] {
	case "print":
		if !f.loaded {
			return Result{ExitCode: 113, Stderr: []byte("Could not find service")}, nil
		}

		out := "state = waiting\n"
		if f.pid > 0 {
			out = "\tstate = running\n\tpid = " + strconv.Itoa(f.pid) + "\n"
		}

		return Result{Stdout: []byte(out)}, nil
	case "bootstrap":
		if f.loaded {
			return Result{ExitCode: 5, Stderr: []byte("Bootstrap failed: 5: Input/output error")}, nil
		}

		f.loaded = true

		return Result{}, nil
	case "bootout":
		if !f.loaded {
			return Result{ExitCode: 3, Stderr: []byte("No such process")}, nil
		}

		f.loaded = false
		f.pid = 0

		return Result{}, nil
	case "kickstart":
		if !f.loaded {
			return Result{ExitCode: 113}, nil
		}

		if f.failStart {
			return Result{}, nil
		}

		if f.pid == 0 || args[1] == "-k" {
			f.nextPID++
			f.pid = 1000 + f.nextPID
		}

		return Result{}, nil
	}

	return Result{ExitCode: 64}, nil
}

func (f *fakeLaunchd) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string

	for _, c := range f.calls {
		if !strings.HasPrefix(c, "print") {
			out = append(out, c)
		}
	}

	return out
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	return logger.WithLogger(t.Context(), slogt.New(t))
}

func newAgent(t *testing.T, launchd *fakeLaunchd, opts ...AgentOption) (*LaunchAgent, string) {
	t.Helper()

	dir := t.TempDir()
	program := filepath.Join(dir, "remapd")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/sh\n"), 0o755)) //nolint:gosec

	opts = append([]AgentOption{
		WithRunner(launchd),
		WithPlistDir(filepath.Join(dir, "LaunchAgents")),
		WithDomain("gui/501"),
		WithWait(time.Second, time.Millisecond),
	}, opts...)

	agent, err := NewLaunchAgent(Plist{
		Label:     "com.example.remapd",
		Program:   program,
		Args:      []string{"--cfg", filepath.Join(dir, "remap.kbd")},
		RunAtLoad: true,
	}, opts...)
	require.NoError(t, err)

	return agent, dir
}

func TestPlistRender(t *testing.T) {
	t.Parallel()

	out, err := Plist{
		Label:      "com.example.remapd",
		Program:    "/usr/local/bin/remapd",
		Args:       []string{"--cfg", "/Users/me/a&b.kbd"},
		Env:        map[string]string{"B": "2", "A": "<1>"},
		StdoutPath: "/tmp/remapd.log",
		KeepAlive:  true,
	}.Render()
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "<string>com.example.remapd</string>")
	assert.Contains(t, s, "<string>/Users/me/a&amp;b.kbd</string>")
	assert.Contains(t, s, "<key>A</key>\n        <string>&lt;1&gt;</string>\n        <key>B</key>")
	assert.Contains(t, s, "<key>StandardOutPath</key>\n    <string>/tmp/remapd.log</string>")
	assert.NotContains(t, s, "StandardErrorPath")
	assert.Contains(t, s, "<key>RunAtLoad</key>\n    <false/>")
	assert.Contains(t, s, "<key>KeepAlive</key>\n    <true/>")

	_, err = Plist{Label: "x"}.Render()
	require.ErrorIs(t, err, ErrInvalidPlist)
}

func TestInstall(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	agent, _ := newAgent(t, &fakeLaunchd{})

	installed, err := agent.Installed(ctx)
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, agent.Install(ctx))

	installed, err = agent.Installed(ctx)
	require.NoError(t, err)
	assert.True(t, installed)

	// A stale plist is reported as not installed.
	require.NoError(t, os.WriteFile(agent.PlistPath(), []byte("<plist/>"), 0o600))

	installed, err = agent.Installed(ctx)
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestStartStopRestart(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	launchd := &fakeLaunchd{}
	agent, _ := newAgent(t, launchd)

	running, err := agent.Running(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, agent.Start(ctx))

	running, err = agent.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, agent.Restart(ctx))
	require.NoError(t, agent.Stop(ctx))

	// Stopping an unloaded service is fine.
	require.NoError(t, agent.Stop(ctx))

	assert.Equal(t, []string{
		"bootstrap gui/501 " + agent.PlistPath(),
		"kickstart gui/501/com.example.remapd",
		"kickstart -k gui/501/com.example.remapd",
		"bootout gui/501/com.example.remapd",
		"bootout gui/501/com.example.remapd",
	}, launchd.history())
}

func TestStartTimesOut(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	agent, _ := newAgent(t, &fakeLaunchd{failStart: true}, WithWait(20*time.Millisecond, time.Millisecond))

	require.ErrorIs(t, agent.Start(ctx), ErrTimeout)
}

func TestStaleLockIsRemoved(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	lock := filepath.Join(t.TempDir(), "remapd.pid")
	require.NoError(t, os.WriteFile(lock, []byte("not-a-pid\n"), 0o600))

	agent, _ := newAgent(t, &fakeLaunchd{}, WithLockFile(lock))

	require.NoError(t, agent.Start(ctx))

	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestForeignInstanceBlocksStart(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	lock := filepath.Join(t.TempDir(), "remapd.pid")

	// The test process itself is alive and unknown to the fake launchd.
	require.NoError(t, os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())), 0o600))

	launchd := &fakeLaunchd{}
	agent, _ := newAgent(t, launchd, WithLockFile(lock))

	require.ErrorIs(t, agent.Start(ctx), ErrForeignInstance)
	assert.Empty(t, launchd.history())
}

func TestRequirements(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	dir := t.TempDir()

	program := filepath.Join(dir, "remapd")
	marker := filepath.Join(dir, "granted")

	req := Requirements{Program: program, GrantMarker: marker}

	ok, err := req.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "missing program")

	require.NoError(t, os.WriteFile(program, []byte("x"), 0o600))

	ok, err = req.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "not executable")

	require.NoError(t, os.Chmod(program, 0o700))

	ok, err = req.Check(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "not granted")

	require.NoError(t, req.Grant(time.Now()))

	ok, err = req.Check(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfigApplier(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	launchd := &fakeLaunchd{}
	agent, dir := newAgent(t, launchd)

	applier := ConfigApplier{Agent: agent, ConfigPath: filepath.Join(dir, "remap.kbd")}

	require.Error(t, applier.Apply(ctx))

	require.NoError(t, os.WriteFile(applier.ConfigPath, nil, 0o600))
	require.ErrorIs(t, applier.Apply(ctx), ErrEmptyConfig)

	require.NoError(t, os.WriteFile(applier.ConfigPath, []byte("(defsrc)"), 0o600))

	// Stopped: nothing to restart.
	require.NoError(t, applier.Apply(ctx))
	assert.Empty(t, launchd.history())

	require.NoError(t, agent.Start(ctx))
	require.NoError(t, applier.Apply(ctx))
	assert.Contains(t, launchd.history(), "kickstart -k gui/501/com.example.remapd")
}

func TestExecRunner(t *testing.T) {
	t.Parallel()

	res, err := ExecRunner{}.Run(t.Context(), "sh", "-c", "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", string(res.Stdout))
	assert.Equal(t, "err\n", string(res.Stderr))

	_, err = ExecRunner{}.Run(t.Context(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
