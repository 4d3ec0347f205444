package lifecycle

import (
	"fmt"
	"slices"
)

// Transition is one legal edge: sending Event while in From moves the machine to To.
type Transition struct {
	From  State `yaml:"from"`
	Event Event `yaml:"event"`
	To    State `yaml:"to"`
}

type transitionKey struct {
	from  State
	event Event
}

// Table is a static map from (State, Event) to the next State. Pairs that
// are absent are rejected.
type Table struct {
	initial  State
	terminal []State
	rows     []Transition
	index    map[transitionKey]State
}

// TableSpec describes a Table for NewTable.
type TableSpec struct {
	Initial     State
	Terminal    []State
	Transitions []Transition
}

// NewTable builds a table, rejecting rows with undeclared states or events
// and rows that repeat a (State, Event) pair.
func NewTable(spec TableSpec) (*Table, error) {
	t := &Table{
		initial:  spec.Initial,
		terminal: slices.Clone(spec.Terminal),
		rows:     make([]Transition, 0, len(spec.Transitions)),
		index:    make(map[transitionKey]State, len(spec.Transitions)),
	}

	for i, row := range spec.Transitions {
		if !row.From.Valid() || !row.To.Valid() || !row.Event.Valid() {
			return nil, fmt.Errorf("%w: row %d (%s, %s -> %s)", ErrInvalidTransition, i, row.From, row.Event, row.To)
		}

		key := transitionKey{from: row.From, event: row.Event}
		if _, dup := t.index[key]; dup {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateTransition, row.Event, row.From)
		}

		t.index[key] = row.To
		t.rows = append(t.rows, row)
	}

	return t, nil
}

// MustNewTable is NewTable for package level tables.
func MustNewTable(spec TableSpec) *Table {
	t, err := NewTable(spec)
	if err != nil {
		panic(err)
	}

	return t
}

// Initial returns the state a fresh or reset machine is in.
func (t *Table) Initial() State {
	return t.initial
}

// IsTerminal reports whether s is allowed to have no outgoing transitions.
func (t *Table) IsTerminal(s State) bool {
	return slices.Contains(t.terminal, s)
}

// Lookup returns the target of (from, event), if the table defines one.
func (t *Table) Lookup(from State, event Event) (State, bool) {
	to, ok := t.index[transitionKey{from: from, event: event}]

	return to, ok
}

// EventsFrom returns the events legal in s, in table order.
func (t *Table) EventsFrom(s State) []Event {
	var events []Event

	for _, row := range t.rows {
		if row.From == s {
			events = append(events, row.Event)
		}
	}

	return events
}

// TransitionsFrom returns the rows leaving s, in table order.
func (t *Table) TransitionsFrom(s State) []Transition {
	var out []Transition

	for _, row := range t.rows {
		if row.From == s {
			out = append(out, row)
		}
	}

	return out
}

// Transitions returns a copy of every row in table order.
func (t *Table) Transitions() []Transition {
	return slices.Clone(t.rows)
}

// defaultTable is the controller's lifecycle. Every change here must keep
// ValidateTable returning no issues.
var defaultTable = MustNewTable(TableSpec{ //nolint:gochecknoglobals
	Initial: Uninitialized,
	Transitions: []Transition{
		{Uninitialized, EventInitialize, Initializing},

		{Initializing, EventCheckRequirements, RequirementsCheck},
		{Initializing, EventErrorOccurred, Error},

		{RequirementsCheck, EventRequirementsPassed, Stopped},
		{RequirementsCheck, EventRequirementsFailed, RequirementsFailed},
		{RequirementsCheck, EventErrorOccurred, Error},

		{RequirementsFailed, EventStartInstallation, Installing},
		{RequirementsFailed, EventReset, Uninitialized},

		{Installing, EventInstallationCompleted, Stopped},
		{Installing, EventInstallationFailed, InstallationFailed},
		{Installing, EventErrorOccurred, Error},

		{InstallationFailed, EventStartInstallation, Installing},
		{InstallationFailed, EventReset, Uninitialized},

		{Stopped, EventStartService, Starting},
		{Stopped, EventConfigurationChanged, Configuring},
		{Stopped, EventReset, Uninitialized},

		{Starting, EventServiceStarted, Running},
		{Starting, EventServiceFailed, Error},
		{Starting, EventErrorOccurred, Error},

		{Running, EventStopService, Stopping},
		{Running, EventRestartService, Restarting},
		{Running, EventConfigurationChanged, Configuring},
		{Running, EventServiceFailed, Error},
		{Running, EventErrorOccurred, Error},

		{Stopping, EventServiceStopped, Stopped},
		{Stopping, EventErrorOccurred, Error},

		{Restarting, EventServiceStopped, Starting},
		{Restarting, EventServiceStarted, Running},
		{Restarting, EventErrorOccurred, Error},

		{Configuring, EventConfigurationApplied, Running},
		{Configuring, EventConfigurationFailed, ConfigurationError},
		{Configuring, EventErrorOccurred, Error},

		{ConfigurationError, EventConfigurationChanged, Configuring},
		{ConfigurationError, EventReset, Uninitialized},

		// A stuck error state can be retried without a full reset.
		{Error, EventReset, Uninitialized},
		{Error, EventStartService, Starting},
		{Error, EventStopService, Stopping},
	},
})

// DefaultTable returns the controller's lifecycle table.
func DefaultTable() *Table {
	return defaultTable
}
