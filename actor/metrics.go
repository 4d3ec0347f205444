package actor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// aliveActors tracks how many actors are currently running.
	aliveActors = promauto.NewGaugeVec(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "actor_alive_actors",
		Help: "Number of actors currently running",
	}, []string{"subsystem", "actor"})

	// actorPanic counts panics recovered while processing messages.
	actorPanic = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "actor_panic",
		Help: "Number of panics recovered while processing actor messages",
	}, []string{"subsystem", "actor"})

	// processedMessages counts messages taken off the mailbox.
	processedMessages = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "actor_processed_messages",
		Help: "Number of messages processed by actors",
	}, []string{"subsystem", "actor"})

	// enqueuedMessages is the mailbox depth observed at submit time.
	enqueuedMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{ //nolint:gochecknoglobals
		Name: "actor_enqueued_messages",
		Help: "Number of messages waiting in an actor's mailbox",
	}, []string{"subsystem", "actor"})

	// submitTime measures how long callers waited for mailbox space.
	submitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{ //nolint:gochecknoglobals
		Name:    "actor_submit_time",
		Help:    "Time taken to submit a message to an actor's mailbox",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"subsystem", "actor"})

	// processingTime measures how long the processor spent on each message.
	processingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{ //nolint:gochecknoglobals
		Name:    "actor_processing_time",
		Help:    "Time taken by an actor to process a message",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 60},
	}, []string{"subsystem", "actor"})
)
