// Package lifecycle implements the state machine that governs the remapping
// service: the closed set of states and events, the transition table, and a
// Machine that applies events against it.
//
// A Machine performs no locking. It must be owned by a single goroutine (the
// controller runs it inside an actor) and every mutation goes through SendEvent,
// SetError, Fail or Reset, so the table lookup and the state write can never
// interleave with another caller.
package lifecycle

import (
	"context"
	"runtime/debug"
	"slices"
	"time"

	"github.com/amp-labs/keyremap-controller/logger"
)

// Observer is notified after every applied transition and every Reset.
// Observers run on the goroutine that owns the Machine.
type Observer func(ctx context.Context, rec Record)

// Machine holds the current lifecycle state.
type Machine struct {
	table *Table
	now   func() time.Time

	state             State
	lastEvent         Event
	lastTransition    time.Time
	lastRecord        Record
	hasRecord         bool
	errorMessage      string
	errorInconsistent bool
	values            Values

	// Not cleared by Reset: transition times stay strictly increasing for the
	// life of the Machine.
	lastStamp time.Time
	enteredAt time.Time

	observers    []subscription
	nextObserver uint64
}

// Option configures a Machine.
type Option func(*Machine)

// WithTable replaces the default lifecycle table. Tests use it to exercise
// broken tables.
func WithTable(t *Table) Option {
	return func(m *Machine) {
		m.table = t
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New returns a Machine in the table's initial state.
func New(opts ...Option) *Machine {
	m := &Machine{
		table:  DefaultTable(),
		now:    time.Now,
		values: Values{},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.state = m.table.Initial()
	m.enteredAt = m.now()
	setCurrentStateGauge(m.state)

	return m
}

// Table returns the table the machine validates events against.
func (m *Machine) Table() *Table {
	return m.table
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// SendEvent applies event if the table allows it from the current state.
// Rejected events are logged and leave the machine untouched. On success the
// values are merged into the accumulated context (later keys win), the error
// message is cleared unless the new state is an error state, and observers
// are notified.
func (m *Machine) SendEvent(ctx context.Context, event Event, values Values) bool {
	ctx = logger.EnsureCorrelationID(ctx)
	correlationID, _ := logger.GetCorrelationID(ctx)

	from := m.state

	ctx, span := startEventSpan(ctx, from, event, correlationID)
	defer span.End()

	to, ok := m.table.Lookup(from, event)
	if !ok {
		rejectedEventsTotal.WithLabelValues(from.String(), event.String()).Inc()
		endEventSpan(span, from, false)

		logger.Get(ctx).Warn("rejected lifecycle event",
			"state", from.String(),
			"event", event.String())

		return false
	}

	at := m.stamp()

	timeInState.WithLabelValues(from.String()).Observe(at.Sub(m.enteredAt).Seconds())

	m.state = to
	m.enteredAt = at
	m.lastEvent = event
	m.lastTransition = at
	m.values.Merge(values)
	m.errorInconsistent = false

	if !to.IsError() {
		m.errorMessage = ""
	}

	rec := Record{
		From:          from,
		Event:         event,
		To:            to,
		At:            at,
		CorrelationID: correlationID,
	}

	m.lastRecord = rec
	m.hasRecord = true

	transitionsTotal.WithLabelValues(from.String(), event.String(), to.String()).Inc()
	setCurrentStateGauge(to)
	endEventSpan(span, to, true)

	logger.Get(ctx).Info("lifecycle transition",
		"from", from.String(),
		"event", event.String(),
		"to", to.String())

	m.notify(ctx, rec)

	return true
}

// Fail sends a failure event with message recorded under KeyLastError next to
// extra. The message is kept as the error message only if the event lands in
// an error state.
func (m *Machine) Fail(ctx context.Context, event Event, message string, extra Values) bool {
	values := extra.Clone()
	values[KeyLastError] = StringValue(message)

	if !m.SendEvent(ctx, event, values) {
		return false
	}

	if m.state.IsError() {
		m.errorMessage = message
	}

	return true
}

// SetError stores message and sends error-occurred.
//
// When error-occurred is not legal from the current state the message is still
// stored and the state is left alone. That combination is flagged in StateInfo
// as ErrorInconsistent until the next transition or Reset, and SetError
// returns false.
func (m *Machine) SetError(ctx context.Context, message string) bool {
	m.errorMessage = message

	if m.SendEvent(ctx, EventErrorOccurred, Values{KeyLastError: StringValue(message)}) {
		return true
	}

	m.errorInconsistent = true

	inconsistentErrorsTotal.WithLabelValues(m.state.String()).Inc()

	logger.Get(ctx).Warn("error recorded without a state change",
		"state", m.state.String(),
		"error", message)

	return false
}

// Reset forces the machine back to the initial state and clears the last
// event, last transition, error message and context. It ignores the table.
func (m *Machine) Reset(ctx context.Context) {
	ctx = logger.EnsureCorrelationID(ctx)
	correlationID, _ := logger.GetCorrelationID(ctx)

	from := m.state
	at := m.stamp()

	timeInState.WithLabelValues(from.String()).Observe(at.Sub(m.enteredAt).Seconds())

	m.state = m.table.Initial()
	m.enteredAt = at
	m.lastEvent = EventNone
	m.lastTransition = time.Time{}
	m.lastRecord = Record{}
	m.hasRecord = false
	m.errorMessage = ""
	m.errorInconsistent = false
	m.values = Values{}

	resetsTotal.Inc()
	setCurrentStateGauge(m.state)

	logger.Get(ctx).Info("lifecycle reset", "from", from.String())

	m.notify(ctx, Record{
		From:          from,
		Event:         EventReset,
		To:            m.state,
		At:            at,
		CorrelationID: correlationID,
	})
}

// CanSendEvent reports whether event is legal from the current state.
func (m *Machine) CanSendEvent(event Event) bool {
	_, ok := m.table.Lookup(m.state, event)

	return ok
}

// ValidEvents returns the events legal from the current state, in table order.
func (m *Machine) ValidEvents() []Event {
	return m.table.EventsFrom(m.state)
}

// LastEvent returns the last applied event, or EventNone.
func (m *Machine) LastEvent() Event {
	return m.lastEvent
}

// LastTransition returns when the last event was applied; zero after Reset.
func (m *Machine) LastTransition() time.Time {
	return m.lastTransition
}

// ErrorMessage returns the stored error message.
func (m *Machine) ErrorMessage() string {
	return m.errorMessage
}

// Values returns a copy of the accumulated context.
func (m *Machine) Values() Values {
	return m.values.Clone()
}

func (m *Machine) IsRunning() bool {
	return m.state.IsOperational()
}

func (m *Machine) HasError() bool {
	return m.state.IsError()
}

func (m *Machine) IsBusy() bool {
	return m.state.IsTransitioning()
}

func (m *Machine) CanPerformActions() bool {
	return !m.state.IsTransitioning()
}

// StateDisplay returns the human readable name of the current state.
func (m *Machine) StateDisplay() string {
	return m.state.Display()
}

// StateInfo returns a snapshot of every field plus the derived classifications.
func (m *Machine) StateInfo() StateInfo {
	info := StateInfo{
		State:             m.state,
		Display:           m.state.Display(),
		LastEvent:         m.lastEvent,
		LastTransition:    m.lastTransition,
		ErrorMessage:      m.errorMessage,
		ErrorInconsistent: m.errorInconsistent,
		Values:            m.values.Clone(),
		IsOperational:     m.state.IsOperational(),
		IsError:           m.state.IsError(),
		IsTransitioning:   m.state.IsTransitioning(),
		ValidEvents:       m.ValidEvents(),
	}

	if m.hasRecord {
		rec := m.lastRecord
		info.LastRecord = &rec
	}

	return info
}

type subscription struct {
	id  uint64
	obs Observer
}

// Subscribe registers an observer and returns a function that removes it.
// Observers are called in the order they subscribed.
func (m *Machine) Subscribe(obs Observer) func() {
	id := m.nextObserver
	m.nextObserver++
	m.observers = append(m.observers, subscription{id: id, obs: obs})

	return func() {
		// Copy so a notify in progress keeps ranging over the old slice.
		m.observers = slices.DeleteFunc(slices.Clone(m.observers), func(s subscription) bool {
			return s.id == id
		})
	}
}

// stamp returns the current time, nudged forward if needed so that no two
// transitions share a timestamp.
func (m *Machine) stamp() time.Time {
	now := m.now()
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Nanosecond)
	}

	m.lastStamp = now

	return now
}

func (m *Machine) notify(ctx context.Context, rec Record) {
	for _, sub := range m.observers {
		m.callObserver(ctx, sub.obs, rec)
	}
}

// callObserver isolates observer panics: the transition has already happened
// and must not be undone by a misbehaving subscriber.
func (m *Machine) callObserver(ctx context.Context, obs Observer, rec Record) {
	defer func() {
		if err := recover(); err != nil {
			logger.Get(ctx).Error("lifecycle observer panicked",
				"event", rec.Event.String(),
				"error", err,
				"stack", string(debug.Stack()))
		}
	}()

	obs(ctx, rec)
}
