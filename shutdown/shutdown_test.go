package shutdown

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests share the package level hook list and cannot run in parallel.

func reset() {
	mut.Lock()
	defer mut.Unlock()

	hooks = nil
	trigger = nil
}

//nolint:paralleltest
func TestBeforeShutdownRunsHooksInOrder(t *testing.T) {
	reset()

	var order []int

	BeforeShutdown(func() { order = append(order, 1) })
	BeforeShutdown(func() { order = append(order, 2) })
	BeforeShutdown(func() { order = append(order, 3) })

	cleanup()

	assert.Equal(t, []int{1, 2, 3}, order)

	mut.Lock()
	assert.Nil(t, hooks)
	mut.Unlock()
}

//nolint:paralleltest
func TestShutdownCancelsAfterHooks(t *testing.T) {
	reset()

	ctx := SetupHandler(t.Context())

	var canceledDuringHook atomic.Bool

	BeforeShutdown(func() {
		canceledDuringHook.Store(ctx.Err() != nil)
	})

	Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not canceled after Shutdown()")
	}

	assert.False(t, canceledDuringHook.Load())

	mut.Lock()
	assert.Nil(t, trigger)
	mut.Unlock()
}

//nolint:paralleltest
func TestSignalCancels(t *testing.T) {
	reset()

	ctx := SetupHandler(t.Context())

	var hookCalled atomic.Bool

	BeforeShutdown(func() {
		hookCalled.Store(true)
	})

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(os.Interrupt))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not canceled after SIGINT")
	}

	assert.True(t, hookCalled.Load())
}

//nolint:paralleltest
func TestShutdownWithoutSetup(t *testing.T) {
	reset()

	assert.NotPanics(t, Shutdown)
}
