package lifecycle

import (
	"fmt"
	"strings"
)

// State is one position in the lifecycle of the remapping service.
// Exactly one State is current at any instant.
type State uint8

const (
	Uninitialized State = iota
	Initializing
	RequirementsCheck
	RequirementsFailed
	Installing
	InstallationFailed
	Starting
	Running
	Stopping
	Stopped
	Restarting
	Error
	Configuring
	ConfigurationError
)

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		Uninitialized,
		Initializing,
		RequirementsCheck,
		RequirementsFailed,
		Installing,
		InstallationFailed,
		Starting,
		Running,
		Stopping,
		Stopped,
		Restarting,
		Error,
		Configuring,
		ConfigurationError,
	}
}

// String returns the stable identifier used in logs, metric labels and exports.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case RequirementsCheck:
		return "requirements-check"
	case RequirementsFailed:
		return "requirements-failed"
	case Installing:
		return "installing"
	case InstallationFailed:
		return "installation-failed"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Restarting:
		return "restarting"
	case Error:
		return "error"
	case Configuring:
		return "configuring"
	case ConfigurationError:
		return "configuration-error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Display returns text meant for people. It is independent of String and
// may change without affecting anything persisted.
func (s State) Display() string {
	switch s {
	case Uninitialized:
		return "Not Initialized"
	case Initializing:
		return "Initializing"
	case RequirementsCheck:
		return "Checking Requirements"
	case RequirementsFailed:
		return "Requirements Not Met"
	case Installing:
		return "Installing"
	case InstallationFailed:
		return "Installation Failed"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Restarting:
		return "Restarting"
	case Error:
		return "Error"
	case Configuring:
		return "Applying Configuration"
	case ConfigurationError:
		return "Configuration Error"
	default:
		return "Unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, st := range AllStates() {
		if st.String() == strings.TrimSpace(s) {
			return st, nil
		}
	}

	return Uninitialized, fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	return s <= ConfigurationError
}

// IsOperational reports whether the service is actively serving.
func (s State) IsOperational() bool {
	return s == Running
}

// IsError reports whether the state needs user or remediation attention.
func (s State) IsError() bool {
	switch s {
	case RequirementsFailed, InstallationFailed, Error, ConfigurationError:
		return true
	default:
		return false
	}
}

// IsTransitioning reports whether an operation is in flight. User initiated
// actions are rejected while this is true.
func (s State) IsTransitioning() bool {
	switch s {
	case Initializing, RequirementsCheck, Installing, Starting, Stopping, Restarting, Configuring:
		return true
	default:
		return false
	}
}

// Classes returns the classification names that apply to s, for diagrams and exports.
func (s State) Classes() []string {
	var classes []string

	if s.IsOperational() {
		classes = append(classes, "operational")
	}

	if s.IsError() {
		classes = append(classes, "error")
	}

	if s.IsTransitioning() {
		classes = append(classes, "transitioning")
	}

	return classes
}

// MarshalText encodes the state as its String identifier.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}

	return []byte(s.String()), nil
}

// UnmarshalText decodes a String identifier.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
