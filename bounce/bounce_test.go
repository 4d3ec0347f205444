package bounce

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amp-labs/keyremap-controller/controller"
	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errStart = errors.New("start failed")

type fakeService struct {
	mu         sync.Mutex
	state      lifecycle.State
	startFails int
	calls      []string

	// stopGate, when set, blocks Stop until closed.
	stopGate chan struct{}

	// onStart, when set, runs after a successful Start.
	onStart func()
}

func (f *fakeService) State(context.Context) (lifecycle.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state, nil
}

func (f *fakeService) Stop(context.Context) error {
	if f.stopGate != nil {
		<-f.stopGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "stop")
	f.state = lifecycle.Stopped

	return nil
}

func (f *fakeService) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "start")

	if f.startFails > 0 {
		f.startFails--
		f.state = lifecycle.Error

		return errStart
	}

	f.state = lifecycle.Running

	if f.onStart != nil {
		defer f.onStart()
	}

	return nil
}

func (f *fakeService) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	return logger.WithLogger(t.Context(), slogt.New(t))
}

func TestBounceRetryKeepsFlagUntilSuccess(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running, startFails: 1}
	coord := NewCoordinator(store, svc)

	require.NoError(t, coord.RequestBounce(ctx, "accessibility granted"))

	assert.False(t, coord.PerformBounce(ctx))

	status, err := coord.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, status.Needed)
	assert.Equal(t, 1, status.Attempts)

	require.True(t, coord.PerformBounce(ctx))
	require.NoError(t, coord.ClearBounceFlag(ctx))

	status, err = coord.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, status.Needed)

	// The second attempt found the service in error and still stopped it first.
	assert.Equal(t, []string{"stop", "start", "stop", "start"}, svc.history())
}

func TestPerformBounceSkipsStopWhenStopped(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	svc := &fakeService{state: lifecycle.Stopped}
	coord := NewCoordinator(&MemoryStore{}, svc)

	require.True(t, coord.PerformBounce(ctx))
	assert.Equal(t, []string{"start"}, svc.history())
}

func TestPerformBounceMarksFlagBeforeActing(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running}
	coord := NewCoordinator(store, svc)

	svc.stopGate = make(chan struct{})

	done := make(chan bool, 1)

	go func() {
		done <- coord.PerformBounce(ctx)
	}()

	// While stop is blocked the flag must already be durable.
	require.Eventually(t, func() bool {
		flag, _ := store.Load(ctx)

		return flag.Needed && flag.Attempts == 1 && flag.LastAttempt != nil
	}, 5*time.Second, 5*time.Millisecond)

	// A concurrent bounce does not start a second cycle or touch the flag.
	assert.False(t, coord.PerformBounce(ctx))

	_, err := coord.RunIfNeeded(ctx)
	require.ErrorIs(t, err, ErrInProgress)

	flag, _ := store.Load(ctx)
	assert.Equal(t, 1, flag.Attempts)

	close(svc.stopGate)
	require.True(t, <-done)
	assert.Equal(t, []string{"stop", "start"}, svc.history())
}

func TestPerformBounceDoesNothingWhenFlagCannotBeSaved(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	svc := &fakeService{state: lifecycle.Running}
	coord := NewCoordinator(&MemoryStore{SaveErr: errors.New("disk full")}, svc)

	assert.False(t, coord.PerformBounce(ctx))
	assert.Empty(t, svc.history())
}

func TestRunIfNeeded(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running}
	coord := NewCoordinator(store, svc)

	performed, err := coord.RunIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, performed)
	assert.Empty(t, svc.history())

	require.NoError(t, coord.RequestBounce(ctx, "test"))

	performed, err = coord.RunIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, performed)

	flag, _ := store.Load(ctx)
	assert.False(t, flag.Needed)
}

func TestRequestBounceKeepsOriginalTimestamp(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	coord := NewCoordinator(&MemoryStore{}, &fakeService{}, WithClock(clock))

	require.NoError(t, coord.RequestBounce(ctx, "first"))

	now = now.Add(90 * time.Second)

	require.NoError(t, coord.RequestBounce(ctx, "second"))

	status, err := coord.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, status.HasSince)
	assert.Equal(t, 90*time.Second, status.Since)
	assert.Equal(t, "second", status.Reason)
}

func TestRetryLoop(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running, startFails: 2}
	coord := NewCoordinator(store, svc, WithBackoff(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, coord.RequestBounce(ctx, "retry"))
	require.NoError(t, coord.RetryLoop(ctx))

	flag, _ := store.Load(ctx)
	assert.False(t, flag.Needed)
	assert.Equal(t, []string{"stop", "start", "stop", "start", "stop", "start"}, svc.history())
}

func TestRetryLoopGivesUp(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running, startFails: 1 << 20}
	coord := NewCoordinator(store, svc,
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxElapsed(50*time.Millisecond))

	require.NoError(t, coord.RequestBounce(ctx, "hopeless"))

	err := coord.RetryLoop(ctx)
	require.ErrorIs(t, err, ErrBounceFailed)

	flag, _ := store.Load(ctx)
	assert.True(t, flag.Needed)
	assert.Positive(t, flag.Attempts)
}

func TestFileStore(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	dir := filepath.Join(t.TempDir(), "state")
	store := NewFileStore(dir)

	flag, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Flag{}, flag)

	forget := func(flag *Flag) (bool, error) {
		*flag = Flag{}

		return true, nil
	}

	require.NoError(t, store.Update(ctx, forget))

	since := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, store.Update(ctx, func(flag *Flag) (bool, error) {
		*flag = Flag{Needed: true, Request: "r1", Since: &since, Reason: "granted", Attempts: 2}

		return true, nil
	}))

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "needed = true")
	assert.Contains(t, string(raw), "attempts = 2")
	assert.NotContains(t, string(raw), "last_attempt")

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Needed)
	assert.Equal(t, "r1", loaded.Request)
	assert.Equal(t, "granted", loaded.Reason)
	assert.Equal(t, 2, loaded.Attempts)
	require.NotNil(t, loaded.Since)
	assert.True(t, since.Equal(*loaded.Since))

	// An unchanged update writes nothing.
	require.NoError(t, store.Update(ctx, func(flag *Flag) (bool, error) {
		flag.Attempts = 99

		return false, nil
	}))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Attempts)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}

	require.NoError(t, store.Update(ctx, forget))
	require.NoError(t, store.Update(ctx, forget))
	assert.NoFileExists(t, store.Path())

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, loaded.Needed)
}

func TestFileStoreUpdatesAreExclusive(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	dir := t.TempDir()

	const writers = 8

	var wg sync.WaitGroup

	for range writers {
		wg.Add(1)

		// Separate stores open the lock file separately, like separate processes.
		go func(store *FileStore) {
			defer wg.Done()

			err := store.Update(ctx, func(flag *Flag) (bool, error) {
				flag.Needed = true
				flag.Attempts++

				return true, nil
			})
			assert.NoError(t, err)
		}(NewFileStore(dir))
	}

	wg.Wait()

	flag, err := NewFileStore(dir).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers, flag.Attempts)
}

func TestRequestDuringBounceSurvivesClear(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	dir := t.TempDir()
	svc := &fakeService{state: lifecycle.Running}
	coord := NewCoordinator(NewFileStore(dir), svc)

	// Another process grants permissions while the service is coming back up.
	var once sync.Once

	svc.onStart = func() {
		once.Do(func() {
			other := NewCoordinator(NewFileStore(dir), nil)
			assert.NoError(t, other.RequestBounce(ctx, "permissions granted"))
		})
	}

	require.NoError(t, coord.RequestBounce(ctx, "config moved"))

	performed, err := coord.RunIfNeeded(ctx)
	assert.True(t, performed)
	require.ErrorIs(t, err, ErrNewerRequest)

	// Clearing again still respects the newer request.
	require.ErrorIs(t, coord.ClearBounceFlag(ctx), ErrNewerRequest)

	status, err := coord.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, status.Needed)
	assert.Equal(t, "permissions granted", status.Reason)

	performed, err = coord.RunIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, performed)

	status, err = coord.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, status.Needed)
	assert.Equal(t, []string{"stop", "start", "stop", "start"}, svc.history())
}

func TestRetryLoopServesRequestMadeDuringBounce(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	svc := &fakeService{state: lifecycle.Running}
	coord := NewCoordinator(store, svc, WithBackoff(time.Millisecond, 5*time.Millisecond))

	var once sync.Once

	svc.onStart = func() {
		once.Do(func() {
			assert.NoError(t, NewCoordinator(store, nil).RequestBounce(ctx, "again"))
		})
	}

	require.NoError(t, coord.RequestBounce(ctx, "first"))
	require.NoError(t, coord.RetryLoop(ctx))

	flag, _ := store.Load(ctx)
	assert.False(t, flag.Needed)
	assert.Equal(t, []string{"stop", "start", "stop", "start"}, svc.history())
}

func TestClearWithoutBounceIsUnconditional(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	store := &MemoryStore{}
	coord := NewCoordinator(store, &fakeService{})

	require.NoError(t, coord.RequestBounce(ctx, "stale"))
	require.NoError(t, coord.ClearBounceFlag(ctx))
	require.NoError(t, coord.ClearBounceFlag(ctx))

	flag, _ := store.Load(ctx)
	assert.False(t, flag.Needed)
}

type installedAlways struct{}

func (installedAlways) Installed(context.Context) (bool, error) { return true, nil }
func (installedAlways) Install(context.Context) error           { return nil }

// flakySupervisor fails its first startFails starts.
type flakySupervisor struct {
	mu         sync.Mutex
	startFails int
	starts     int
	stops      int
}

func (f *flakySupervisor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++

	if f.startFails > 0 {
		f.startFails--

		return errStart
	}

	return nil
}

func (f *flakySupervisor) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops++

	return nil
}

func (f *flakySupervisor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.starts, f.stops
}

func TestPerformBounceFollowsLifecycleTable(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	var granted atomic.Bool

	sup := &flakySupervisor{startFails: 1}

	ctrl, err := controller.New(ctx, controller.Options{
		Requirements: controller.RequirementsFunc(func(context.Context) (bool, error) {
			return granted.Load(), nil
		}),
		Installer:  installedAlways{},
		Supervisor: sup,
		Applier:    controller.ApplierFunc(func(context.Context) error { return nil }),
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	store := &MemoryStore{}
	coord := NewCoordinator(store, ctrl)

	require.NoError(t, coord.RequestBounce(ctx, "permissions granted"))

	requireState := func(want lifecycle.State) {
		t.Helper()

		got, err := ctrl.State(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	requireOwed := func(attempts int) {
		t.Helper()

		flag, _ := store.Load(ctx)
		require.True(t, flag.Needed)
		require.Equal(t, attempts, flag.Attempts)
	}

	// Nothing to stop before initialization; the bounce stays owed.
	performed, err := coord.RunIfNeeded(ctx)
	require.ErrorIs(t, err, ErrBounceFailed)
	assert.False(t, performed)
	requireState(lifecycle.Uninitialized)
	requireOwed(1)

	require.ErrorIs(t, ctrl.Initialize(ctx), controller.ErrRequirementsNotMet)
	requireState(lifecycle.RequirementsFailed)

	_, err = coord.RunIfNeeded(ctx)
	require.ErrorIs(t, err, ErrBounceFailed)
	requireState(lifecycle.RequirementsFailed)
	requireOwed(2)

	starts, stops := sup.counts()
	assert.Zero(t, starts)
	assert.Zero(t, stops)

	granted.Store(true)

	require.NoError(t, ctrl.Reset(ctx))
	require.NoError(t, ctrl.Initialize(ctx))
	requireState(lifecycle.Stopped)

	// From stopped only the start runs, and it fails into error.
	_, err = coord.RunIfNeeded(ctx)
	require.ErrorIs(t, err, ErrBounceFailed)
	requireState(lifecycle.Error)
	requireOwed(3)

	records, unsubscribe, err := ctrl.Subscribe(ctx, 16)
	require.NoError(t, err)

	// From error the bounce goes through stopping and stopped before starting.
	performed, err = coord.RunIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, performed)
	requireState(lifecycle.Running)

	unsubscribe()

	var path []lifecycle.State
	for rec := range records {
		path = append(path, rec.To)
	}

	assert.Equal(t, []lifecycle.State{
		lifecycle.Stopping, lifecycle.Stopped, lifecycle.Starting, lifecycle.Running,
	}, path)

	flag, _ := store.Load(ctx)
	assert.False(t, flag.Needed)

	starts, stops = sup.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestFileStoreSurvivesNewCoordinator(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	dir := t.TempDir()

	first := NewCoordinator(NewFileStore(dir), &fakeService{state: lifecycle.Running, startFails: 1})
	require.NoError(t, first.RequestBounce(ctx, "granted"))
	assert.False(t, first.PerformBounce(ctx))

	// A new process sees the owed bounce.
	second := NewCoordinator(NewFileStore(dir), &fakeService{state: lifecycle.Error})

	status, err := second.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, status.Needed)
	assert.Equal(t, 1, status.Attempts)

	performed, err := second.RunIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, performed)

	status, err = second.CheckBounceNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, status.Needed)
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FlagFileName), []byte("needed = = ="), 0o600))

	_, err := NewFileStore(dir).Load(t.Context())
	require.Error(t, err)
}
