package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal counts controller operations by outcome.
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "controller_operations_total",
		Help: "Total number of controller operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// operationDuration measures operations end to end, collaborator work included.
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{ //nolint:gochecknoglobals
		Name:    "controller_operation_duration_seconds",
		Help:    "Duration of controller operations",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	// droppedNotifications counts records a slow subscriber never received.
	droppedNotifications = promauto.NewCounter(prometheus.CounterOpts{ //nolint:gochecknoglobals
		Name: "controller_dropped_notifications_total",
		Help: "Total number of lifecycle notifications dropped because a subscriber was full",
	})
)

const (
	outcomeSuccess  = "success"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)
