package errdisk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/YiqinXiong/errdisk/bdev"
)

var faultsInjected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "errdisk",
	Name:      "faults_injected_total",
	Help:      "Number of artificially injected faults, by disk, I/O type and fault kind.",
}, []string{"disk", "io_type", "fault"})

func observeFault(disk string, t bdev.IOType, kind FaultKind) {
	faultsInjected.WithLabelValues(disk, t.String(), kind.String()).Inc()
}
