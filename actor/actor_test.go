package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type empty struct{}

func testContext(t *testing.T) context.Context {
	t.Helper()

	return logger.WithLogger(t.Context(), slogt.New(t))
}

func TestActorPanic(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	act := New(func(*Ref[empty, empty]) Processor[empty, empty] {
		return NewProcessor(func(context.Context, empty) (empty, error) {
			panic("test panic")
		})
	})

	ref := act.Run(ctx, "test", 1)
	defer ref.Stop()

	_, err := ref.Request(ctx, empty{})

	require.ErrorIs(t, err, ErrActorPanic)
	require.ErrorContains(t, err, "test panic")
	assert.True(t, ref.Alive(), "actor must survive a panic")
}

func TestRequestsAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	// counter is owned by the processor; no lock.
	counter := 0
	inFlight := 0

	act := New(func(*Ref[int, int]) Processor[int, int] {
		return NewProcessor(func(_ context.Context, delta int) (int, error) {
			inFlight++
			defer func() { inFlight-- }()

			if inFlight != 1 {
				return 0, errors.New("concurrent processing")
			}

			counter += delta

			return counter, nil
		})
	})

	ref := act.Run(ctx, "counter", 4)
	defer ref.Stop()

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := ref.Request(ctx, 1)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	total, err := ref.Request(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, total)
}

func TestOrderIsPreserved(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	var seen []int

	act := New(func(*Ref[int, []int]) Processor[int, []int] {
		return NewProcessor(func(_ context.Context, n int) ([]int, error) {
			if n >= 0 {
				seen = append(seen, n)
			}

			return append([]int(nil), seen...), nil
		})
	})

	ref := act.Run(ctx, "order", 16)
	defer ref.Stop()

	for i := range 10 {
		_, err := ref.Request(ctx, i)
		require.NoError(t, err)
	}

	got, err := ref.Request(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestContextValuesReachProcessor(t *testing.T) {
	t.Parallel()

	ctx := logger.WithCorrelationID(testContext(t), "0badf00d")

	act := New(func(*Ref[empty, string]) Processor[empty, string] {
		return NewProcessor(func(ctx context.Context, _ empty) (string, error) {
			id, _ := logger.GetCorrelationID(ctx)

			return id, nil
		})
	})

	ref := act.Run(ctx, "ctx", 0)
	defer ref.Stop()

	id, err := ref.Request(ctx, empty{})
	require.NoError(t, err)
	assert.Equal(t, "0badf00d", id)
}

func TestStoppedActor(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)

	act := New(func(*Ref[empty, empty]) Processor[empty, empty] {
		return NewProcessor(func(context.Context, empty) (empty, error) {
			return empty{}, nil
		})
	})

	ref := act.Run(ctx, "stopped", 0)

	ref.Stop()
	ref.Stop()
	ref.Wait()

	assert.False(t, ref.Alive())

	_, err := ref.Request(ctx, empty{})
	require.ErrorIs(t, err, ErrDeadActor)
}

func TestActorStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testContext(t))

	act := New(func(*Ref[empty, empty]) Processor[empty, empty] {
		return NewProcessor(func(context.Context, empty) (empty, error) {
			return empty{}, nil
		})
	})

	ref := act.Run(ctx, "ctx-stop", 0)
	cancel()

	select {
	case <-ref.Done():
	case <-time.After(5 * time.Second):
		require.Fail(t, "actor did not stop")
	}

	_, err := ref.Request(testContext(t), empty{})
	require.ErrorIs(t, err, ErrDeadActor)
}

func TestCanceledCallerDoesNotAbortProcessing(t *testing.T) {
	t.Parallel()

	ctx := testContext(t)
	release := make(chan struct{})
	finished := make(chan error, 1)

	act := New(func(*Ref[empty, empty]) Processor[empty, empty] {
		return NewProcessor(func(ctx context.Context, _ empty) (empty, error) {
			<-release
			finished <- ctx.Err()

			return empty{}, nil
		})
	})

	ref := act.Run(ctx, "slow", 0)
	defer ref.Stop()

	callerCtx, cancel := context.WithCancel(ctx)

	errCh := make(chan error, 1)

	go func() {
		_, err := ref.Request(callerCtx, empty{})
		errCh <- err
	}()

	// Give the request time to be accepted before canceling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, <-finished)
}
