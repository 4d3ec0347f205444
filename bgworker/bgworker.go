// Package bgworker runs trigger-initiated work (config reloads, bounce
// retries) off the goroutine that noticed the trigger.
package bgworker

import (
	"context"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/amp-labs/keyremap-controller/envutil"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/shutdown"
)

const defaultWorkerCount = 4

// Pool is a bounded pool of background workers.
type Pool struct {
	pool pond.Pool
}

// New returns a pool of size workers. A size of zero or less reads
// BACKGROUND_WORKER_COUNT, falling back to a small default.
func New(ctx context.Context, size int) *Pool {
	if size <= 0 {
		size = envutil.Int(ctx, "BACKGROUND_WORKER_COUNT",
			envutil.Default(defaultWorkerCount)).ValueOrElse(defaultWorkerCount)
	}

	logger.Get(ctx).Debug("Initializing background worker pool", "count", size)

	return &Pool{
		pool: pond.NewPool(size, pond.WithContext(ctx)),
	}
}

// Run runs f in the background and logs its error, if any, under name. It
// fails only when the pool has been stopped.
func (p *Pool) Run(ctx context.Context, name string, f func(ctx context.Context) error) error {
	return p.pool.Go(func() {
		if err := f(ctx); err != nil {
			logger.Get(ctx).Warn("background task failed", "task", name, "error", err)
		}
	})
}

// StopAndWait stops accepting work and waits for running tasks.
func (p *Pool) StopAndWait() {
	p.pool.StopAndWait()
}

var (
	defaultOnce sync.Once //nolint:gochecknoglobals
	defaultPool *Pool     //nolint:gochecknoglobals
)

// Default returns the process-wide pool, creating it on first use. It is
// stopped by the shutdown hooks.
func Default(ctx context.Context) *Pool {
	defaultOnce.Do(func() {
		defaultPool = New(context.WithoutCancel(ctx), 0)

		shutdown.BeforeShutdown(func() {
			logger.Get(ctx).Debug("Stopping background worker pool")
			defaultPool.StopAndWait()
			logger.Get(ctx).Debug("Background worker pool stopped")
		})
	})

	return defaultPool
}
