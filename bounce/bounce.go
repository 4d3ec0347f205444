// Package bounce owes and performs service bounces: a forced stop then start
// that lets the service pick up a changed environment, such as a permission
// granted while it was running.
//
// The owed bounce is a persisted flag. It is written before any stop or start
// happens and cleared only after both succeed, so a crash or a failed attempt
// leaves it set for the next opportunity. A request that arrives while a
// bounce is running survives that bounce's clear and is served by another.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/amp-labs/keyremap-controller/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	// ErrBounceFailed is returned by RunIfNeeded when the stop/start cycle failed.
	ErrBounceFailed = errors.New("bounce failed")
	// ErrInProgress is returned by RunIfNeeded when another bounce is running.
	ErrInProgress = errors.New("bounce already in progress")
	// ErrNewerRequest is returned by ClearBounceFlag when the flag was
	// requested again after the bounce that wanted to clear it began.
	ErrNewerRequest = errors.New("bounce requested again during the bounce")
)

const (
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 2 * time.Minute
)

// Service is the part of the controller a bounce drives. It is the same
// interface user actions go through.
type Service interface {
	State(ctx context.Context) (lifecycle.State, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Status is the result of CheckBounceNeeded.
type Status struct {
	Needed bool

	// Since is how long the bounce has been owed. Valid only when HasSince.
	Since    time.Duration
	HasSince bool

	Reason   string
	Attempts int
}

// Coordinator performs at most one bounce at a time.
type Coordinator struct {
	store    Store
	service  Service
	now      func() time.Time
	inFlight atomic.Bool

	// performed is the request served by the last successful bounce.
	performed atomic.String

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithBackoff sets the RetryLoop interval bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Coordinator) {
		c.initialInterval = initial
		c.maxInterval = maxInterval
	}
}

// WithMaxElapsed makes RetryLoop give up after d. Zero retries until the
// context ends.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Coordinator) {
		c.maxElapsed = d
	}
}

// NewCoordinator returns a coordinator persisting to store and driving service.
func NewCoordinator(store Store, service Service, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:           store,
		service:         service,
		now:             time.Now,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckBounceNeeded reads the persisted flag.
func (c *Coordinator) CheckBounceNeeded(ctx context.Context) (Status, error) {
	flag, err := c.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}

	setNeededGauge(flag.Needed)

	status := Status{
		Needed:   flag.Needed,
		Reason:   flag.Reason,
		Attempts: flag.Attempts,
	}

	if flag.Needed && flag.Since != nil {
		status.Since = c.now().Sub(*flag.Since)
		status.HasSince = true
	}

	return status, nil
}

// RequestBounce durably records that a bounce is owed. An existing request
// keeps its original timestamp and attempt count but gets a new request id,
// so a bounce already running does not clear it.
func (c *Coordinator) RequestBounce(ctx context.Context, reason string) error {
	err := c.store.Update(ctx, func(flag *Flag) (bool, error) {
		if !flag.Needed {
			now := c.now().UTC()
			*flag = Flag{Needed: true, Since: &now}
		}

		flag.Request = uuid.NewString()
		flag.Reason = reason

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("saving bounce request: %w", err)
	}

	setNeededGauge(true)

	logger.Get(ctx).Info("bounce requested", "reason", reason)

	return nil
}

// PerformBounce stops then starts the service through its public contract.
// The stop phase is skipped when the service is already stopped. It returns
// true only if both phases succeed. The flag is marked needed, with one more
// attempt, before anything is stopped; PerformBounce never clears it.
//
// A call made while another bounce is running returns false without touching
// the flag.
func (c *Coordinator) PerformBounce(ctx context.Context) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		attemptsTotal.WithLabelValues(outcomeSkipped).Inc()
		logger.Get(ctx).Info("bounce already in progress")

		return false
	}
	defer c.inFlight.Store(false)

	ctx = logger.EnsureCorrelationID(ctx)
	ctx = logger.With(ctx, "operation", "bounce")

	request, err := c.markAttempt(ctx)
	if err != nil {
		attemptsTotal.WithLabelValues(outcomeFailure).Inc()
		logger.Get(ctx).Error("bounce not attempted, flag could not be saved", "error", err)

		return false
	}

	if err := c.cycle(ctx); err != nil {
		attemptsTotal.WithLabelValues(outcomeFailure).Inc()
		logger.Get(ctx).Warn("bounce failed, will retry", "error", err)

		return false
	}

	c.performed.Store(request)

	attemptsTotal.WithLabelValues(outcomeSuccess).Inc()
	logger.Get(ctx).Info("bounce completed")

	return true
}

// markAttempt returns the id of the request the attempt serves.
func (c *Coordinator) markAttempt(ctx context.Context) (string, error) {
	var request string

	err := c.store.Update(ctx, func(flag *Flag) (bool, error) {
		now := c.now().UTC()

		if !flag.Needed {
			*flag = Flag{Needed: true, Since: &now, Request: uuid.NewString()}
		}

		flag.Attempts++
		flag.LastAttempt = &now
		request = flag.Request

		return true, nil
	})

	return request, err
}

func (c *Coordinator) cycle(ctx context.Context) error {
	state, err := c.service.State(ctx)
	if err != nil {
		return fmt.Errorf("reading service state: %w", err)
	}

	if state != lifecycle.Stopped {
		if err := c.service.Stop(ctx); err != nil {
			return fmt.Errorf("stop phase: %w", err)
		}
	}

	if err := c.service.Start(ctx); err != nil {
		return fmt.Errorf("start phase: %w", err)
	}

	return nil
}

// ClearBounceFlag forgets the owed bounce. Call it only after PerformBounce
// returned true. It is idempotent. When a request arrived after that bounce
// began, the flag is kept and ErrNewerRequest returned. Without a prior
// successful bounce the flag is cleared unconditionally.
func (c *Coordinator) ClearBounceFlag(ctx context.Context) error {
	served := c.performed.Load()
	kept := false

	err := c.store.Update(ctx, func(flag *Flag) (bool, error) {
		if !flag.Needed {
			return false, nil
		}

		if served != "" && flag.Request != served {
			kept = true

			return false, nil
		}

		*flag = Flag{}

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("clearing bounce flag: %w", err)
	}

	if kept {
		logger.Get(ctx).Info("bounce requested again while it ran, keeping flag")

		return ErrNewerRequest
	}

	c.performed.CompareAndSwap(served, "")
	setNeededGauge(false)

	return nil
}

// RunIfNeeded performs and clears an owed bounce. It reports whether a
// bounce was performed. A bounce that succeeded while a newer request came in
// reports true with ErrNewerRequest, and the flag stays owed.
func (c *Coordinator) RunIfNeeded(ctx context.Context) (bool, error) {
	status, err := c.CheckBounceNeeded(ctx)
	if err != nil {
		return false, err
	}

	if !status.Needed {
		return false, nil
	}

	if c.inFlight.Load() {
		return false, ErrInProgress
	}

	if !c.PerformBounce(ctx) {
		return false, ErrBounceFailed
	}

	if err := c.ClearBounceFlag(ctx); err != nil {
		return true, fmt.Errorf("bounce succeeded but the flag was not cleared: %w", err)
	}

	return true, nil
}

// RetryLoop runs RunIfNeeded with exponential backoff until no bounce is
// owed, ctx ends, or the WithMaxElapsed budget runs out.
func (c *Coordinator) RetryLoop(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialInterval
	exp.MaxInterval = c.maxInterval

	_, err := backoff.Retry(ctx, func() (bool, error) {
		return c.RunIfNeeded(ctx)
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(c.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Get(ctx).Info("bounce retry scheduled", "error", err, "in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("bounce retry loop: %w", err)
	}

	return nil
}
