package actor

import "context"

// Processor handles one request at a time on the actor's goroutine.
type Processor[Request, Response any] interface {
	Process(ctx context.Context, req Request) (Response, error)
}

type processor[Request, Response any] struct {
	process func(context.Context, Request) (Response, error)
}

func (p *processor[Request, Response]) Process(ctx context.Context, req Request) (Response, error) { //nolint:ireturn
	return p.process(ctx, req)
}

// NewProcessor adapts a function to the Processor interface.
func NewProcessor[Request, Response any](
	f func(ctx context.Context, req Request) (Response, error),
) Processor[Request, Response] {
	return &processor[Request, Response]{
		process: f,
	}
}
