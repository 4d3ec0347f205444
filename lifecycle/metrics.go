package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts applied transitions.
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "lifecycle_transitions_total",
		Help: "Total number of applied lifecycle transitions by from state, event and to state",
	}, []string{"from", "event", "to"})

	// rejectedEventsTotal counts events that were not legal from the current state.
	rejectedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "lifecycle_rejected_events_total",
		Help: "Total number of lifecycle events rejected by the transition table",
	}, []string{"state", "event"})

	// resetsTotal counts administrative resets.
	resetsTotal = promauto.NewCounter(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "lifecycle_resets_total",
		Help: "Total number of forced lifecycle resets",
	})

	// inconsistentErrorsTotal counts errors stored while error-occurred was illegal.
	inconsistentErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "lifecycle_inconsistent_errors_total",
		Help: "Total number of errors recorded in a state that does not accept error-occurred",
	}, []string{"state"})

	// currentState is 1 for the current state and 0 for every other.
	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "lifecycle_state",
		Help: "Current lifecycle state (1 for the current state)",
	}, []string{"state"})

	// timeInState measures how long the machine stayed in a state before leaving it.
	timeInState = promauto.NewHistogramVec(prometheus.HistogramOpts{ //nolint:gochecknoglobals
		Name:    "lifecycle_time_in_state_seconds",
		Help:    "Time spent in a lifecycle state before leaving it",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600, 86400},
	}, []string{"state"})
)

func setCurrentStateGauge(current State) {
	for _, s := range AllStates() {
		if s == current {
			currentState.WithLabelValues(s.String()).Set(1)
		} else {
			currentState.WithLabelValues(s.String()).Set(0)
		}
	}
}
