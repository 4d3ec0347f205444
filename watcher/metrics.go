package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{ //nolint:gochecknoglobals
	Name: "watcher_config_changes_total",
	Help: "Settled remap configuration edits, by outcome (applied, unchanged, deferred, failed)",
}, []string{"outcome"})
