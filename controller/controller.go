// Package controller owns the lifecycle Machine and drives the external
// service through it.
//
// The Machine lives on the goroutine of a single actor. Every read and every
// event is marshaled onto that goroutine, so a table lookup and the state
// write that follows it can never interleave with another trigger. Work that
// blocks (launchctl, installer, config apply) runs on the caller's goroutine
// between two confined events; the intermediate transitioning state is what
// keeps competing operations out.
package controller

import (
	"context"
	"fmt"

	"github.com/amp-labs/keyremap-controller/actor"
	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/amp-labs/keyremap-controller/logger"
)

const (
	defaultHistorySize  = 32
	defaultMailboxDepth = 16
)

// Options configures New. Requirements, Installer, Supervisor and Applier
// are required.
type Options struct {
	Requirements RequirementsChecker
	Installer    Installer
	Supervisor   Supervisor
	Applier      ConfigApplier

	// HistorySize bounds the ring of recent records kept for status output.
	HistorySize int

	// MailboxDepth is the actor's buffer size.
	MailboxDepth int

	// Machine options, mostly for tests.
	Machine []lifecycle.Option
}

// Controller is safe for concurrent use.
type Controller struct {
	ref          *actor.Ref[job, any]
	requirements RequirementsChecker
	installer    Installer
	supervisor   Supervisor
	applier      ConfigApplier
}

// job runs on the actor's goroutine with exclusive access to the confined state.
type job func(ctx context.Context, st *confined) (any, error)

// confined is only touched from the actor's goroutine.
type confined struct {
	machine     *lifecycle.Machine
	history     []lifecycle.Record
	historySize int
	subscribers map[uint64]chan lifecycle.Record
	nextSub     uint64
}

// New starts the controller's actor. It stops when ctx is canceled or Close
// is called.
func New(ctx context.Context, opts Options) (*Controller, error) {
	switch {
	case opts.Requirements == nil:
		return nil, fmt.Errorf("%w: requirements checker", ErrMissingCollaborator)
	case opts.Installer == nil:
		return nil, fmt.Errorf("%w: installer", ErrMissingCollaborator)
	case opts.Supervisor == nil:
		return nil, fmt.Errorf("%w: supervisor", ErrMissingCollaborator)
	case opts.Applier == nil:
		return nil, fmt.Errorf("%w: config applier", ErrMissingCollaborator)
	}

	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}

	if opts.MailboxDepth <= 0 {
		opts.MailboxDepth = defaultMailboxDepth
	}

	st := &confined{
		machine:     lifecycle.New(opts.Machine...),
		historySize: opts.HistorySize,
		subscribers: make(map[uint64]chan lifecycle.Record),
	}

	st.machine.Subscribe(st.record)

	act := actor.New(func(*actor.Ref[job, any]) actor.Processor[job, any] {
		return actor.NewProcessor(func(ctx context.Context, j job) (any, error) {
			return j(ctx, st)
		})
	})

	return &Controller{
		ref:          act.Run(logger.WithSubsystem(ctx, "controller"), "lifecycle", opts.MailboxDepth),
		requirements: opts.Requirements,
		installer:    opts.Installer,
		supervisor:   opts.Supervisor,
		applier:      opts.Applier,
	}, nil
}

// Close stops the actor and waits for it to finish.
func (c *Controller) Close() {
	c.ref.Stop()
	c.ref.Wait()
}

// confine runs f on the actor's goroutine and returns its result.
func confine[T any](ctx context.Context, c *Controller, f func(ctx context.Context, st *confined) (T, error)) (T, error) { //nolint:ireturn,lll
	var zero T

	out, err := c.ref.Request(ctx, func(ctx context.Context, st *confined) (any, error) {
		return f(ctx, st)
	})
	if err != nil {
		return zero, err
	}

	val, ok := out.(T)
	if !ok {
		return zero, nil
	}

	return val, nil
}

// record is the machine observer. It keeps the history ring and fans the
// record out without blocking.
func (st *confined) record(_ context.Context, rec lifecycle.Record) {
	st.history = append(st.history, rec)
	if len(st.history) > st.historySize {
		st.history = st.history[len(st.history)-st.historySize:]
	}

	for _, ch := range st.subscribers {
		select {
		case ch <- rec:
		default:
			droppedNotifications.Inc()
		}
	}
}

// send applies each event in order and stops at the first rejection.
func (st *confined) send(ctx context.Context, values lifecycle.Values, events ...lifecycle.Event) error {
	for _, ev := range events {
		from := st.machine.State()
		if !st.machine.SendEvent(ctx, ev, values) {
			return lifecycle.WrapTransitionError(from, ev, lifecycle.ErrIllegalTransition)
		}
	}

	return nil
}

// fail records cause through a failure event.
func (st *confined) fail(ctx context.Context, ev lifecycle.Event, cause error, extra lifecycle.Values) error {
	from := st.machine.State()
	if !st.machine.Fail(ctx, ev, cause.Error(), extra) {
		return lifecycle.WrapTransitionError(from, ev, lifecycle.ErrIllegalTransition)
	}

	return nil
}

// SendEvent sends a raw event. It reports false when the event is illegal or
// the controller has stopped.
func (c *Controller) SendEvent(ctx context.Context, ev lifecycle.Event, values lifecycle.Values) bool {
	ok, err := confine(ctx, c, func(ctx context.Context, st *confined) (bool, error) {
		return st.machine.SendEvent(ctx, ev, values), nil
	})
	if err != nil {
		logger.Get(ctx).Warn("event not delivered", "event", ev.String(), "error", err)

		return false
	}

	return ok
}

// SetError records message and sends error-occurred. It reports false when
// the state could not change; the message is stored either way.
func (c *Controller) SetError(ctx context.Context, message string) bool {
	ok, err := confine(ctx, c, func(ctx context.Context, st *confined) (bool, error) {
		return st.machine.SetError(ctx, message), nil
	})
	if err != nil {
		logger.Get(ctx).Warn("error not delivered", "error", err)

		return false
	}

	return ok
}

// Reset forces the machine back to uninitialized.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := confine(ctx, c, func(ctx context.Context, st *confined) (struct{}, error) {
		st.machine.Reset(ctx)

		return struct{}{}, nil
	})

	return err
}

// CanSendEvent reports whether ev is currently legal.
func (c *Controller) CanSendEvent(ctx context.Context, ev lifecycle.Event) bool {
	ok, err := confine(ctx, c, func(_ context.Context, st *confined) (bool, error) {
		return st.machine.CanSendEvent(ev), nil
	})

	return err == nil && ok
}

// ValidEvents returns the events currently legal.
func (c *Controller) ValidEvents(ctx context.Context) []lifecycle.Event {
	events, _ := confine(ctx, c, func(_ context.Context, st *confined) ([]lifecycle.Event, error) {
		return st.machine.ValidEvents(), nil
	})

	return events
}

// StateInfo returns a snapshot of the machine.
func (c *Controller) StateInfo(ctx context.Context) (lifecycle.StateInfo, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) (lifecycle.StateInfo, error) {
		return st.machine.StateInfo(), nil
	})
}

// State returns the current state.
func (c *Controller) State(ctx context.Context) (lifecycle.State, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) (lifecycle.State, error) {
		return st.machine.State(), nil
	})
}

// History returns the most recent records, oldest first.
func (c *Controller) History(ctx context.Context) ([]lifecycle.Record, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) ([]lifecycle.Record, error) {
		return append([]lifecycle.Record(nil), st.history...), nil
	})
}

// Subscribe returns a channel receiving every record produced from now on.
// When the buffer is full records are dropped. The returned function
// unsubscribes and closes the channel.
func (c *Controller) Subscribe(ctx context.Context, buffer int) (<-chan lifecycle.Record, func(), error) {
	ch := make(chan lifecycle.Record, max(buffer, 1))

	id, err := confine(ctx, c, func(_ context.Context, st *confined) (uint64, error) {
		id := st.nextSub
		st.nextSub++
		st.subscribers[id] = ch

		return id, nil
	})
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		_, _ = confine(context.Background(), c, func(_ context.Context, st *confined) (struct{}, error) {
			if _, ok := st.subscribers[id]; ok {
				delete(st.subscribers, id)
				close(ch)
			}

			return struct{}{}, nil
		})
	}

	return ch, unsubscribe, nil
}

// ExportYAML returns the audit export of the table and current snapshot.
func (c *Controller) ExportYAML(ctx context.Context) ([]byte, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) ([]byte, error) {
		return st.machine.ExportYAML()
	})
}

// Mermaid renders the table with the current state highlighted.
func (c *Controller) Mermaid(ctx context.Context, opts lifecycle.DiagramOptions) (string, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) (string, error) {
		return st.machine.GenerateMermaid(opts), nil
	})
}

// Validate returns table defects; empty when sound.
func (c *Controller) Validate(ctx context.Context) ([]string, error) {
	return confine(ctx, c, func(_ context.Context, st *confined) ([]string, error) {
		return st.machine.ValidateStateMachine(), nil
	})
}
