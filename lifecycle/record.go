package lifecycle

import "time"

// KeyLastError is the Values key under which failure messages are recorded.
const KeyLastError = "last_error"

// Record describes one applied transition. Records are values and never change
// after they are produced.
type Record struct {
	From          State     `yaml:"from"`
	Event         Event     `yaml:"event"`
	To            State     `yaml:"to"`
	At            time.Time `yaml:"at"`
	CorrelationID string    `yaml:"correlationId"`
}

// StateInfo is a read-only snapshot of a Machine, for diagnostics and UI binding.
type StateInfo struct {
	State             State     `yaml:"state"`
	Display           string    `yaml:"display"`
	LastEvent         Event     `yaml:"lastEvent"`
	LastTransition    time.Time `yaml:"lastTransition,omitempty"`
	ErrorMessage      string    `yaml:"errorMessage,omitempty"`
	ErrorInconsistent bool      `yaml:"errorInconsistent,omitempty"`
	Values            Values    `yaml:"values,omitempty"`
	IsOperational     bool      `yaml:"operational"`
	IsError           bool      `yaml:"error"`
	IsTransitioning   bool      `yaml:"transitioning"`
	ValidEvents       []Event   `yaml:"validEvents"`
	LastRecord        *Record   `yaml:"lastRecord,omitempty"`
}

// IsRunning reports whether the service is serving.
func (i StateInfo) IsRunning() bool {
	return i.IsOperational
}

// HasError reports whether the state needs attention.
func (i StateInfo) HasError() bool {
	return i.IsError
}

// IsBusy reports whether an operation is in flight.
func (i StateInfo) IsBusy() bool {
	return i.IsTransitioning
}

// CanPerformActions reports whether user actions should be enabled.
func (i StateInfo) CanPerformActions() bool {
	return !i.IsTransitioning
}

// Allows reports whether ev was legal when the snapshot was taken.
func (i StateInfo) Allows(ev Event) bool {
	for _, valid := range i.ValidEvents {
		if valid == ev {
			return true
		}
	}

	return false
}
