// Package watcher turns edits of the remap configuration file into
// configuration-changed triggers.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amp-labs/keyremap-controller/bgworker"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/amp-labs/keyremap-controller/should"
	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"
)

// DefaultDebounce is how long the file must be quiet before a change fires.
const DefaultDebounce = 250 * time.Millisecond

// ErrDeferred is wrapped by apply functions that left the change to work
// already in progress. The content is not marked applied, so the same
// content fires again on its next save.
var ErrDeferred = errors.New("change deferred")

// Watcher watches the directory holding one file. Editors that save by
// writing a temp file and renaming it over the original show up as a Create
// of the file name, so watching the directory catches both styles.
type Watcher struct {
	path     string
	name     string
	debounce time.Duration
	apply    func(ctx context.Context) error
	pool     *bgworker.Pool
	ready    chan struct{}

	mu       sync.Mutex
	timer    *time.Timer
	applied  uint64
	hasValue bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithPool runs apply on pool instead of the process-wide background pool.
func WithPool(pool *bgworker.Pool) Option {
	return func(w *Watcher) {
		w.pool = pool
	}
}

// New returns a watcher that calls apply after path settles. Content that
// hashes the same as the last applied version is skipped.
func New(path string, apply func(ctx context.Context) error, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		name:     filepath.Base(path),
		debounce: DefaultDebounce,
		apply:    apply,
		ready:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Ready is closed once the watch is in place.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx ends. The content present at start counts as applied.
func (w *Watcher) Run(ctx context.Context) error {
	ctx = logger.WithSubsystem(ctx, "watcher")

	if w.pool == nil {
		w.pool = bgworker.Default(ctx)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	defer should.Close(ctx, fsw, "closing file watcher")

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	if sum, err := w.hash(); err == nil {
		w.markApplied(sum)
	}

	close(w.ready)

	logger.Get(ctx).Info("watching remap configuration", "path", w.path, "debounce", w.debounce)

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != w.name {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.schedule(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			logger.Get(ctx).Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		w.fire(ctx)
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	sum, err := w.hash()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Get(ctx).Debug("remap configuration disappeared, waiting for it to come back")
		} else {
			logger.Get(ctx).Warn("cannot read remap configuration", "error", err)
		}

		return
	}

	if w.isApplied(sum) {
		changesTotal.WithLabelValues("unchanged").Inc()
		logger.Get(ctx).Debug("remap configuration unchanged, skipping")

		return
	}

	ctx = logger.WithCorrelationID(ctx, logger.NewCorrelationID())

	err = w.pool.Run(ctx, "apply-config", func(ctx context.Context) error {
		if err := w.apply(ctx); err != nil {
			if errors.Is(err, ErrDeferred) {
				changesTotal.WithLabelValues("deferred").Inc()
				logger.Get(ctx).Debug("change left to work in progress", "path", w.path, "reason", err)

				return nil
			}

			changesTotal.WithLabelValues("failed").Inc()

			return err
		}

		w.markApplied(sum)
		changesTotal.WithLabelValues("applied").Inc()
		logger.Get(ctx).Info("remap configuration applied", "path", w.path)

		return nil
	})
	if err != nil {
		logger.Get(ctx).Warn("cannot schedule configuration apply", "error", err)
	}
}

func (w *Watcher) hash() (uint64, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return 0, err
	}

	return xxh3.Hash(data), nil
}

func (w *Watcher) isApplied(sum uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.hasValue && w.applied == sum
}

func (w *Watcher) markApplied(sum uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.applied = sum
	w.hasValue = true
}
