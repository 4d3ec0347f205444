package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amp-labs/keyremap-controller/bgworker"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 50 * time.Millisecond

type harness struct {
	path    string
	calls   atomic.Int32
	fail    atomic.Bool
	later   atomic.Bool
	watcher *Watcher
	done    chan error
}

func start(t *testing.T) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(logger.WithLogger(t.Context(), slogt.New(t)))

	dir := t.TempDir()
	h := &harness{
		path: filepath.Join(dir, "remap.json"),
		done: make(chan error, 1),
	}

	require.NoError(t, os.WriteFile(h.path, []byte(`{"caps":"esc"}`), 0o600))

	pool := bgworker.New(ctx, 1)

	h.watcher = New(h.path, func(context.Context) error {
		h.calls.Add(1)

		if h.fail.Load() {
			return errors.New("busy") //nolint:err113
		}

		if h.later.Load() {
			return fmt.Errorf("another pass is running: %w", ErrDeferred)
		}

		return nil
	}, WithDebounce(testDebounce), WithPool(pool))

	go func() {
		h.done <- h.watcher.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.done
		pool.StopAndWait()
	})

	select {
	case <-h.watcher.Ready():
	case err := <-h.done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not become ready")
	}

	return h
}

func (h *harness) write(t *testing.T, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(h.path, []byte(content), 0o600))
}

func settle() {
	time.Sleep(4 * testDebounce)
}

func TestBurstOfEditsAppliesOnce(t *testing.T) {
	t.Parallel()

	h := start(t)

	for i := range 5 {
		h.write(t, `{"caps":"ctrl","n":`+string(rune('0'+i))+`}`)
		time.Sleep(testDebounce / 5)
	}

	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	settle()
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestUnchangedContentIsSkipped(t *testing.T) {
	t.Parallel()

	h := start(t)

	h.write(t, `{"caps":"esc"}`)
	settle()

	assert.Equal(t, int32(0), h.calls.Load())
}

func TestOtherFilesAreIgnored(t *testing.T) {
	t.Parallel()

	h := start(t)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(h.path), "notes.txt"), []byte("x"), 0o600))
	settle()

	assert.Equal(t, int32(0), h.calls.Load())
}

func TestRenameIntoPlaceIsNoticed(t *testing.T) {
	t.Parallel()

	h := start(t)

	tmp := filepath.Join(filepath.Dir(h.path), ".remap.json.swp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"caps":"hyper"}`), 0o600))
	require.NoError(t, os.Rename(tmp, h.path))

	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestFailedApplyIsRetriedOnNextSave(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.fail.Store(true)

	h.write(t, `{"caps":"ctrl"}`)
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.fail.Store(false)
	settle()

	// Same bytes again: the failed version never counted as applied.
	h.write(t, `{"caps":"ctrl"}`)
	require.Eventually(t, func() bool { return h.calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestDeferredApplyFiresAgainForSameContent(t *testing.T) {
	t.Parallel()

	h := start(t)
	h.later.Store(true)

	h.write(t, `{"caps":"hyper"}`)
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.later.Store(false)
	settle()

	h.write(t, `{"caps":"hyper"}`)
	require.Eventually(t, func() bool { return h.calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Now applied, the same bytes are skipped.
	h.write(t, `{"caps":"hyper"}`)
	settle()
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestRunFailsForMissingDirectory(t *testing.T) {
	t.Parallel()

	w := New(filepath.Join(t.TempDir(), "nope", "remap.json"), func(context.Context) error { return nil },
		WithPool(bgworker.New(t.Context(), 1)))

	assert.Error(t, w.Run(t.Context()))
}
