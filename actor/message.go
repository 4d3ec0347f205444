package actor

import "context"

// Result carries a processed response or the error that replaced it.
type Result[Response any] struct {
	Value Response
	Error error
}

// Get unpacks the result.
func (r Result[Response]) Get() (Response, error) { //nolint:ireturn
	return r.Value, r.Error
}

// Message is one mailbox entry. Ctx is the submitter's context so that
// correlation ids and log attributes follow the request onto the actor's
// goroutine.
type Message[Request, Response any] struct {
	Ctx          context.Context //nolint:containedctx
	Request      Request
	ResponseChan chan Result[Response]
}

// reply delivers a result without ever blocking the actor. Response channels
// are buffered with room for exactly one result.
func (m Message[Request, Response]) reply(rsp Result[Response]) {
	select {
	case m.ResponseChan <- rsp:
	default:
	}
}
