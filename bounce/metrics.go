package bounce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

var (
	// attemptsTotal counts PerformBounce calls by outcome.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "bounce_attempts_total",
		Help: "Total number of service bounce attempts by outcome",
	}, []string{"outcome"})

	// flagNeeded mirrors the persisted flag as last seen by this process.
	flagNeeded = promauto.NewGauge(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "bounce_flag_needed",
		Help: "1 while a service bounce is owed",
	})
)

func setNeededGauge(needed bool) {
	if needed {
		flagNeeded.Set(1)
	} else {
		flagNeeded.Set(0)
	}
}
