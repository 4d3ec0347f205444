// Package actor runs a Processor on a single goroutine fed by a mailbox.
// Everything the processor touches is confined to that goroutine, so state it
// owns needs no locking: requests are handled one at a time, in the order they
// were submitted.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
	"go.uber.org/atomic"
)

var (
	// ErrDeadActor is returned when attempting to interact with a stopped actor.
	ErrDeadActor = errors.New("actor is dead")
	// ErrActorPanic is returned when an actor's processor panics during message processing.
	ErrActorPanic = errors.New("panic in actor")
)

// Actor processes messages of type Request and produces responses of type
// Response. Actors are created using New and started with Run.
type Actor[Request, Response any] struct {
	factory func(ref *Ref[Request, Response]) Processor[Request, Response]
}

// New creates a new Actor with the given processor factory function.
// The factory is called when the actor is started via Run, receiving a
// reference to the actor which the processor may use to message itself.
func New[Request, Response any](
	processorFactory func(ref *Ref[Request, Response]) Processor[Request, Response],
) *Actor[Request, Response] {
	return &Actor[Request, Response]{
		factory: processorFactory,
	}
}

// getPanicErr wraps a panic value into an error, preserving the original error if possible.
func getPanicErr(name string, err any) error {
	if e, ok := err.(error); ok {
		return fmt.Errorf("%w %s: %w", ErrActorPanic, name, e)
	}

	return fmt.Errorf("%w %s: %v", ErrActorPanic, name, err)
}

// runProcessor executes one message with panic recovery. A panic is logged
// and returned to the caller as an error; the actor keeps running.
func (a *Actor[Request, Response]) runProcessor(
	proc Processor[Request, Response],
	msg Message[Request, Response],
	name string,
) {
	// The message is processed to completion even if the submitter stops
	// waiting. Values such as the correlation id are kept.
	ctx := context.WithoutCancel(msg.Ctx)

	defer func() {
		if err := recover(); err != nil {
			actorPanic.WithLabelValues(logger.GetSubsystem(ctx), name).Inc()

			logger.Get(ctx).Error("actor recovered from panic",
				"actor", name,
				"request", fmt.Sprintf("%v", msg.Request),
				"error", err,
				"stack", string(debug.Stack()))

			msg.reply(Result[Response]{Error: getPanicErr(name, err)})
		}
	}()

	rsp, err := proc.Process(ctx, msg.Request)
	msg.reply(Result[Response]{Value: rsp, Error: err})
}

// Run starts the actor and returns a reference that can be used to send
// messages to it. The name is used for logging and metrics. depth is the
// mailbox buffer size (0 for unbuffered). The actor runs until ctx is
// canceled or Stop is called on the returned reference.
func (a *Actor[Request, Response]) Run(ctx context.Context, name string, depth int) *Ref[Request, Response] {
	ref := &Ref[Request, Response]{
		inbox: make(chan Message[Request, Response], depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		name:  name,
	}

	ref.alive.Store(true)

	proc := a.factory(ref)

	subsystem := logger.GetSubsystem(ctx)

	processedMessages.WithLabelValues(subsystem, name).Add(0)
	actorPanic.WithLabelValues(subsystem, name).Add(0)
	aliveActors.WithLabelValues(subsystem, name).Inc()

	go func() {
		defer close(ref.done)
		defer aliveActors.WithLabelValues(subsystem, name).Dec()
		defer ref.alive.Store(false)

		for {
			select {
			case <-ctx.Done():
				ref.Stop()

				return
			case <-ref.stop:
				return
			case msg := <-ref.inbox:
				if ref.stopping() {
					msg.reply(Result[Response]{Error: ErrDeadActor})

					return
				}

				start := time.Now()

				a.runProcessor(proc, msg, name)

				processedMessages.WithLabelValues(subsystem, name).Inc()
				processingTime.WithLabelValues(subsystem, name).Observe(time.Since(start).Seconds())
			}
		}
	}()

	return ref
}

// Ref is a reference to a running actor. It provides methods to send
// messages, make requests, and control the actor's lifecycle.
type Ref[Request, Response any] struct {
	inbox    chan Message[Request, Response]
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	alive    atomic.Bool
	name     string
}

// Name returns the actor's name.
func (r *Ref[Request, Response]) Name() string {
	return r.name
}

// Alive returns true if the actor is still running.
func (r *Ref[Request, Response]) Alive() bool {
	return r.alive.Load()
}

// Stop signals the actor to shut down. A message being processed finishes;
// queued messages are abandoned and their callers get ErrDeadActor.
// It is safe to call multiple times.
func (r *Ref[Request, Response]) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Ref[Request, Response]) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Wait blocks until the actor has fully stopped processing messages.
func (r *Ref[Request, Response]) Wait() {
	<-r.done
}

// Done is closed once the actor has stopped.
func (r *Ref[Request, Response]) Done() <-chan struct{} {
	return r.done
}

// submit sends a message to the actor's inbox, respecting ctx and shutdown.
func (r *Ref[Request, Response]) submit(ctx context.Context, message Message[Request, Response]) error {
	if r.stopping() {
		return ErrDeadActor
	}

	subsystem := logger.GetSubsystem(ctx)
	begin := time.Now()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return ErrDeadActor
	case r.inbox <- message:
	}

	submitTime.WithLabelValues(subsystem, r.name).Observe(time.Since(begin).Seconds())
	enqueuedMessages.WithLabelValues(subsystem, r.name).Set(float64(len(r.inbox)))

	return nil
}

// Request submits a request and blocks until it has been processed, the
// actor stops, or ctx is canceled. A canceled caller does not abort the
// processing of a request that was already accepted.
func (r *Ref[Request, Response]) Request(ctx context.Context, request Request) (Response, error) { //nolint:ireturn
	var zero Response

	responseChan := make(chan Result[Response], 1)

	err := r.submit(ctx, Message[Request, Response]{
		Ctx:          ctx,
		Request:      request,
		ResponseChan: responseChan,
	})
	if err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case val := <-responseChan:
		return val.Get()
	case <-r.done:
		// The actor may have answered just before stopping.
		select {
		case val := <-responseChan:
			return val.Get()
		default:
			return zero, ErrDeadActor
		}
	}
}
