// Package metrics holds the Prometheus collectors of the server.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results.
const (
	ResultAccepted = "accepted"
	ResultConflict = "conflict"
	ResultInvalid  = "invalid"
	ResultFailed   = "failed"
)

var Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lovesync",
	Name:      "operations_total",
	Help:      "Submitted operations by result.",
}, []string{"result"})

var SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "lovesync",
	Name:      "sessions_active",
	Help:      "Sessions in the active state.",
})

var AppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "lovesync",
	Name:      "append_duration_seconds",
	Help:      "Latency of revision store appends.",
	Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
})

var BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "lovesync",
	Name:      "broadcast_dropped_total",
	Help:      "Events dropped because a member's send queue was full.",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Operations, SessionsActive, AppendDuration, BroadcastDropped}
}

// Register adds every collector to reg. Collectors already registered
// there are skipped, so tests may build several servers on one registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
