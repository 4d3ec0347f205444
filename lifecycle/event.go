package lifecycle

import (
	"fmt"
	"strings"
)

// Event is a trigger sent to the Machine. Events never carry state of their own;
// auxiliary data travels in Values.
type Event uint8

const (
	// EventNone is the zero value. It is never legal and marks "no event yet".
	EventNone Event = iota
	EventInitialize
	EventCheckRequirements
	EventRequirementsPassed
	EventRequirementsFailed
	EventStartInstallation
	EventInstallationCompleted
	EventInstallationFailed
	EventStartService
	EventServiceStarted
	EventServiceFailed
	EventStopService
	EventServiceStopped
	EventRestartService
	EventConfigurationChanged
	EventConfigurationApplied
	EventConfigurationFailed
	EventErrorOccurred
	EventReset
)

// AllEvents lists every real event in declaration order.
func AllEvents() []Event {
	return []Event{
		EventInitialize,
		EventCheckRequirements,
		EventRequirementsPassed,
		EventRequirementsFailed,
		EventStartInstallation,
		EventInstallationCompleted,
		EventInstallationFailed,
		EventStartService,
		EventServiceStarted,
		EventServiceFailed,
		EventStopService,
		EventServiceStopped,
		EventRestartService,
		EventConfigurationChanged,
		EventConfigurationApplied,
		EventConfigurationFailed,
		EventErrorOccurred,
		EventReset,
	}
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventInitialize:
		return "initialize"
	case EventCheckRequirements:
		return "check-requirements"
	case EventRequirementsPassed:
		return "requirements-passed"
	case EventRequirementsFailed:
		return "requirements-failed"
	case EventStartInstallation:
		return "start-installation"
	case EventInstallationCompleted:
		return "installation-completed"
	case EventInstallationFailed:
		return "installation-failed"
	case EventStartService:
		return "start-service"
	case EventServiceStarted:
		return "service-started"
	case EventServiceFailed:
		return "service-failed"
	case EventStopService:
		return "stop-service"
	case EventServiceStopped:
		return "service-stopped"
	case EventRestartService:
		return "restart-service"
	case EventConfigurationChanged:
		return "configuration-changed"
	case EventConfigurationApplied:
		return "configuration-applied"
	case EventConfigurationFailed:
		return "configuration-failed"
	case EventErrorOccurred:
		return "error-occurred"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Display returns text meant for people.
func (e Event) Display() string {
	switch e {
	case EventNone:
		return "None"
	case EventInitialize:
		return "Initialize"
	case EventCheckRequirements:
		return "Check Requirements"
	case EventRequirementsPassed:
		return "Requirements Passed"
	case EventRequirementsFailed:
		return "Requirements Failed"
	case EventStartInstallation:
		return "Install"
	case EventInstallationCompleted:
		return "Installation Completed"
	case EventInstallationFailed:
		return "Installation Failed"
	case EventStartService:
		return "Start"
	case EventServiceStarted:
		return "Service Started"
	case EventServiceFailed:
		return "Service Failed"
	case EventStopService:
		return "Stop"
	case EventServiceStopped:
		return "Service Stopped"
	case EventRestartService:
		return "Restart"
	case EventConfigurationChanged:
		return "Configuration Changed"
	case EventConfigurationApplied:
		return "Configuration Applied"
	case EventConfigurationFailed:
		return "Configuration Failed"
	case EventErrorOccurred:
		return "Error Occurred"
	case EventReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// ParseEvent is the inverse of Event.String.
func ParseEvent(s string) (Event, error) {
	for _, ev := range AllEvents() {
		if ev.String() == strings.TrimSpace(s) {
			return ev, nil
		}
	}

	return EventNone, fmt.Errorf("%w: %q", ErrUnknownEvent, s)
}

// Valid reports whether e is one of the declared events (EventNone excluded).
func (e Event) Valid() bool {
	return e > EventNone && e <= EventReset
}

// MarshalText encodes the event as its String identifier.
func (e Event) MarshalText() ([]byte, error) {
	if e != EventNone && !e.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, uint8(e))
	}

	return []byte(e.String()), nil
}

// UnmarshalText decodes a String identifier.
func (e *Event) UnmarshalText(text []byte) error {
	if string(text) == EventNone.String() {
		*e = EventNone

		return nil
	}

	parsed, err := ParseEvent(string(text))
	if err != nil {
		return err
	}

	*e = parsed

	return nil
}
