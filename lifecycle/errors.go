package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when an event is not legal from the current state.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnknownState is returned when parsing an unrecognized state name.
	ErrUnknownState = errors.New("unknown state")
	// ErrUnknownEvent is returned when parsing an unrecognized event name.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrDuplicateTransition indicates two rows of a table share the same state and event.
	ErrDuplicateTransition = errors.New("duplicate transition")
	// ErrInvalidTransition indicates a table row references an undeclared state or event.
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionError reports an event that could not be applied in a given state.
type TransitionError struct {
	From  State
	Event Event
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %v", e.Event, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// WrapTransitionError wraps err with the state and event it happened on.
func WrapTransitionError(from State, event Event, err error) error {
	if err == nil {
		return nil
	}

	return &TransitionError{
		From:  from,
		Event: event,
		Err:   err,
	}
}
