package epochsys

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors epochsys updates as it runs. All
// fields are safe for concurrent use and are bumped with plain atomic
// increments inside the collectors themselves - nothing here ever takes the
// advancer mutex.
type Metrics struct {
	EpochAdvances   prometheus.Counter
	DescriptorHelps prometheus.Counter
	OldSeesNew      prometheus.Counter
	ReservationRace prometheus.Counter
	PendingPersist  prometheus.Gauge
	PendingRetire   prometheus.Gauge
	RecoveredPBlks  prometheus.Gauge
}

// NewMetrics constructs a Metrics set. Pass a namespace so multiple
// EpochSys instances in one process (e.g. one per shard) can register
// without a collector name collision; registerer may be nil to skip
// registration entirely (tests typically do this).
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EpochAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "epoch_advances_total",
			Help: "Number of times the global epoch was advanced.",
		}),
		DescriptorHelps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "descriptor_helps_total",
			Help: "Number of times a thread completed another thread's SC descriptor.",
		}),
		OldSeesNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "old_sees_new_total",
			Help: "Number of OpenRead/OpenWrite calls rejected for observing a future epoch.",
		}),
		ReservationRace: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "reservation_races_total",
			Help: "Number of times begin_op's two-read protocol had to retry.",
		}),
		PendingPersist: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "pending_persist",
			Help: "Current number of PBlks queued for persistence.",
		}),
		PendingRetire: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "pending_retire",
			Help: "Current number of PBlks queued for retirement.",
		}),
		RecoveredPBlks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "epochsys", Name: "recovered_pblks",
			Help: "Number of PBlks reconstructed by the last recovery pass.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.EpochAdvances, m.DescriptorHelps, m.OldSeesNew,
			m.ReservationRace, m.PendingPersist, m.PendingRetire, m.RecoveredPBlks,
		)
	}
	return m
}

// noopMetrics is used when the caller does not want a real Metrics setup
// (e.g. unit tests constructing many short-lived EpochSys instances).
func noopMetrics() *Metrics { return NewMetrics("", nil) }
