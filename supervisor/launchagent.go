// Package supervisor runs the remapping service as a macOS LaunchAgent. It
// writes the plist, drives launchctl, and reports what launchd says about the
// service.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
)

var (
	// ErrInvalidPlist is returned when a plist is missing required fields.
	ErrInvalidPlist = errors.New("invalid plist")
	// ErrLaunchctl is returned when launchctl fails.
	ErrLaunchctl = errors.New("launchctl failed")
	// ErrTimeout is returned when the service does not reach the wanted state in time.
	ErrTimeout = errors.New("timed out waiting for service")
	// ErrForeignInstance is returned when the lock file names a live process
	// launchd does not know about.
	ErrForeignInstance = errors.New("service already running outside launchd")
)

const (
	defaultWaitTimeout  = 10 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	launchctlPath       = "/bin/launchctl"
)

var pidPattern = regexp.MustCompile(`(?m)^\s*pid = (\d+)\s*$`) //nolint:gochecknoglobals

// LaunchAgent supervises and installs the service through launchd.
type LaunchAgent struct {
	plist     Plist
	plistPath string
	domain    string
	lockFile  string
	runner    Runner

	waitTimeout  time.Duration
	pollInterval time.Duration
}

// AgentOption configures a LaunchAgent.
type AgentOption func(*LaunchAgent)

// WithRunner replaces the exec runner.
func WithRunner(r Runner) AgentOption {
	return func(a *LaunchAgent) {
		a.runner = r
	}
}

// WithPlistDir writes the plist under dir instead of ~/Library/LaunchAgents.
func WithPlistDir(dir string) AgentOption {
	return func(a *LaunchAgent) {
		a.plistPath = filepath.Join(dir, a.plist.Label+".plist")
	}
}

// WithLockFile names the service's PID lock file.
func WithLockFile(path string) AgentOption {
	return func(a *LaunchAgent) {
		a.lockFile = path
	}
}

// WithWait sets how long Start, Stop and Restart wait for launchd to agree,
// and how often they ask.
func WithWait(timeout, interval time.Duration) AgentOption {
	return func(a *LaunchAgent) {
		a.waitTimeout = timeout
		a.pollInterval = interval
	}
}

// WithDomain overrides the launchd domain (default gui/<uid>).
func WithDomain(domain string) AgentOption {
	return func(a *LaunchAgent) {
		a.domain = domain
	}
}

// NewLaunchAgent returns a supervisor for the service described by plist.
func NewLaunchAgent(plist Plist, opts ...AgentOption) (*LaunchAgent, error) {
	if plist.Label == "" || plist.Program == "" {
		return nil, fmt.Errorf("%w: label and program are required", ErrInvalidPlist)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locating home directory: %w", err)
	}

	a := &LaunchAgent{
		plist:        plist,
		plistPath:    filepath.Join(home, "Library", "LaunchAgents", plist.Label+".plist"),
		domain:       "gui/" + strconv.Itoa(os.Getuid()),
		runner:       ExecRunner{},
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// PlistPath returns where the plist is installed.
func (a *LaunchAgent) PlistPath() string {
	return a.plistPath
}

func (a *LaunchAgent) target() string {
	return a.domain + "/" + a.plist.Label
}

// Installed reports whether the plist on disk matches the one this agent
// would write. A plist pointing at an old program path counts as missing.
func (a *LaunchAgent) Installed(ctx context.Context) (bool, error) {
	want, err := a.plist.Render()
	if err != nil {
		return false, err
	}

	have, err := os.ReadFile(a.plistPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("reading plist: %w", err)
	}

	if !bytes.Equal(want, have) {
		logger.Get(ctx).Info("installed plist is out of date", "path", a.plistPath)

		return false, nil
	}

	return true, nil
}

// Install writes the plist. A loaded copy of an older plist is booted out
// first so the next Start bootstraps the new one.
func (a *LaunchAgent) Install(ctx context.Context) error {
	data, err := a.plist.Render()
	if err != nil {
		return err
	}

	if _, err := os.Stat(a.plist.Program); err != nil {
		return fmt.Errorf("service program %s: %w", a.plist.Program, err)
	}

	if loaded, _ := a.loaded(ctx); loaded {
		if err := a.bootout(ctx); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(a.plistPath), 0o755); err != nil { //nolint:gosec
		return fmt.Errorf("creating LaunchAgents dir: %w", err)
	}

	tmp := a.plistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("writing plist: %w", err)
	}

	if err := os.Rename(tmp, a.plistPath); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("installing plist: %w", err)
	}

	logger.Get(ctx).Info("installed LaunchAgent", "path", a.plistPath, "label", a.plist.Label)

	return nil
}

// Uninstall boots the service out and removes the plist.
func (a *LaunchAgent) Uninstall(ctx context.Context) error {
	if err := a.bootout(ctx); err != nil {
		return err
	}

	if err := os.Remove(a.plistPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing plist: %w", err)
	}

	return nil
}

// Start loads the service if needed, kicks it and waits until launchd
// reports a pid.
func (a *LaunchAgent) Start(ctx context.Context) error {
	if err := a.checkLock(ctx); err != nil {
		return err
	}

	loaded, err := a.loaded(ctx)
	if err != nil {
		return err
	}

	if !loaded {
		if _, err := a.launchctl(ctx, "bootstrap", a.domain, a.plistPath); err != nil {
			// bootstrap fails for an already loaded service, which a racing
			// launchd may have done for us.
			if loaded, _ := a.loaded(ctx); !loaded {
				return err
			}
		}
	}

	if _, err := a.launchctl(ctx, "kickstart", a.target()); err != nil {
		return err
	}

	return a.waitFor(ctx, true)
}

// Stop unloads the service and waits until it is gone.
func (a *LaunchAgent) Stop(ctx context.Context) error {
	if err := a.bootout(ctx); err != nil {
		return err
	}

	return a.waitFor(ctx, false)
}

// Restart kills and restarts the service in one launchctl call.
func (a *LaunchAgent) Restart(ctx context.Context) error {
	if _, err := a.launchctl(ctx, "kickstart", "-k", a.target()); err != nil {
		return err
	}

	return a.waitFor(ctx, true)
}

// Running reports whether launchd has a live pid for the service.
func (a *LaunchAgent) Running(ctx context.Context) (bool, error) {
	pid, err := a.pid(ctx)

	return pid > 0, err
}

func (a *LaunchAgent) bootout(ctx context.Context) error {
	if _, err := a.launchctl(ctx, "bootout", a.target()); err != nil {
		if loaded, _ := a.loaded(ctx); loaded {
			return err
		}
	}

	return nil
}

func (a *LaunchAgent) loaded(ctx context.Context) (bool, error) {
	res, err := a.runner.Run(ctx, launchctlPath, "print", a.target())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLaunchctl, err)
	}

	return res.ExitCode == 0, nil
}

// pid returns the service pid, or 0 when it is not loaded or not running.
func (a *LaunchAgent) pid(ctx context.Context) (int, error) {
	res, err := a.runner.Run(ctx, launchctlPath, "print", a.target())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLaunchctl, err)
	}

	if res.ExitCode != 0 {
		return 0, nil
	}

	m := pidPattern.FindSubmatch(res.Stdout)
	if m == nil {
		return 0, nil
	}

	pid, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, nil //nolint:nilerr
	}

	return pid, nil
}

func (a *LaunchAgent) launchctl(ctx context.Context, args ...string) (Result, error) {
	res, err := a.runner.Run(ctx, launchctlPath, args...)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrLaunchctl, args[0], err)
	}

	if res.ExitCode != 0 {
		return res, fmt.Errorf("%w: %s exited %d: %s", ErrLaunchctl, args[0], res.ExitCode,
			strings.TrimSpace(string(res.Stderr)))
	}

	return res, nil
}

func (a *LaunchAgent) waitFor(ctx context.Context, running bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		pid, err := a.pid(ctx)
		if err == nil && (pid > 0) == running {
			logger.Get(ctx).Debug("service reached wanted state", "running", running, "pid", pid)

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: running=%t", ErrTimeout, running)
		case <-ticker.C:
		}
	}
}

// checkLock removes a lock file left behind by a dead process and refuses
// to start when a live process launchd does not manage holds it.
func (a *LaunchAgent) checkLock(ctx context.Context) error {
	if a.lockFile == "" {
		return nil
	}

	data, err := os.ReadFile(a.lockFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("reading lock file: %w", err)
	}

	lockPID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || !processAlive(lockPID) {
		logger.Get(ctx).Info("removing stale lock file", "path", a.lockFile)

		if err := os.Remove(a.lockFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale lock file: %w", err)
		}

		return nil
	}

	launchdPID, err := a.pid(ctx)
	if err != nil {
		return err
	}

	if launchdPID != lockPID {
		return fmt.Errorf("%w: pid %d holds %s", ErrForeignInstance, lockPID, a.lockFile)
	}

	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
