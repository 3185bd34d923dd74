package imappush

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics counts push events. All counters have a "folder" label.
type Metrics struct {
	IdleCycles  metrics.Counter
	PushErrors  metrics.Counter
	Arrivals    metrics.Counter
	Removals    metrics.Counter
	FlagChanges metrics.Counter
}

// NewDiscardMetrics returns counters that record nothing.
func NewDiscardMetrics() *Metrics {
	return &Metrics{
		IdleCycles:  discard.NewCounter(),
		PushErrors:  discard.NewCounter(),
		Arrivals:    discard.NewCounter(),
		Removals:    discard.NewCounter(),
		FlagChanges: discard.NewCounter(),
	}
}

// NewPrometheusMetrics registers the counters with the default Prometheus
// registry.
func NewPrometheusMetrics(namespace string) *Metrics {
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      name,
			Help:      help,
		}, []string{"folder"})
	}
	return &Metrics{
		IdleCycles:  counter("idle_cycles_total", "Number of IDLE commands sent"),
		PushErrors:  counter("errors_total", "Number of push loop errors"),
		Arrivals:    counter("arrivals_total", "Number of messages reported as arrived"),
		Removals:    counter("removals_total", "Number of messages reported as removed"),
		FlagChanges: counter("flag_changes_total", "Number of messages reported with changed flags"),
	}
}
