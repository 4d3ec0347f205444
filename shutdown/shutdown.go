// Package shutdown turns SIGINT/SIGTERM into context cancellation, running
// registered hooks first.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/amp-labs/keyremap-controller/logger"
)

var (
	mut     sync.Mutex    //nolint:gochecknoglobals
	hooks   []func()      //nolint:gochecknoglobals
	trigger chan struct{}   //nolint:gochecknoglobals
)

// BeforeShutdown registers a function to be called before
// the shutdown process begins. The top-level context will
// still be alive at this point, so you can use it to clean
// up resources if needed. Hooks run in registration order.
func BeforeShutdown(h func()) {
	mut.Lock()
	defer mut.Unlock()

	hooks = append(hooks, h)
}

// Shutdown triggers the shutdown process. Usually the
// shutdown is kicked off by a signal handler, but this
// function can be used to trigger it programmatically.
// It does nothing when no handler is installed.
func Shutdown() {
	mut.Lock()
	t := trigger
	mut.Unlock()

	if t == nil {
		return
	}

	select {
	case t <- struct{}{}:
	default:
	}
}

// SetupHandler installs a handler for SIGINT and SIGTERM and returns a
// context that is canceled, after the hooks have run, when a signal arrives,
// Shutdown is called, or parent ends.
func SetupHandler(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	trig := make(chan struct{}, 1)

	mut.Lock()
	trigger = trig
	mut.Unlock()

	go func() {
		select {
		case sig := <-sigs:
			logger.Get(parent).Warn("Received " + sig.String() + ", shutting down...")
		case <-trig:
			logger.Get(parent).Info("Shutdown requested")
		case <-parent.Done():
		}

		signal.Stop(sigs)

		mut.Lock()
		if trigger == trig {
			trigger = nil
		}
		mut.Unlock()

		cleanup()
		cancel()
	}()

	return ctx
}

func cleanup() {
	mut.Lock()
	pending := hooks
	hooks = nil
	mut.Unlock()

	for _, h := range pending {
		h()
	}
}
