package tunnel

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics aggregates the community's internal counters. They back the same
// quantities the notifier events report; there is no export surface here.
type Metrics struct {
	Registry metrics.Registry

	BytesUp        metrics.Meter
	BytesDown      metrics.Meter
	CellsRelayed   metrics.Counter
	CellsDropped   metrics.Counter
	CircuitsBuilt  metrics.Counter
	CircuitsFailed metrics.Counter
	JoinsRefused   metrics.Counter
}

func newMetrics() *Metrics {
	r := metrics.NewRegistry()
	return &Metrics{
		Registry:       r,
		BytesUp:        metrics.NewRegisteredMeter("tunnel.bytes_up", r),
		BytesDown:      metrics.NewRegisteredMeter("tunnel.bytes_down", r),
		CellsRelayed:   metrics.NewRegisteredCounter("tunnel.cells_relayed", r),
		CellsDropped:   metrics.NewRegisteredCounter("tunnel.cells_dropped", r),
		CircuitsBuilt:  metrics.NewRegisteredCounter("tunnel.circuits_built", r),
		CircuitsFailed: metrics.NewRegisteredCounter("tunnel.circuits_failed", r),
		JoinsRefused:   metrics.NewRegisteredCounter("tunnel.joins_refused", r),
	}
}
