package boost

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	inputSessions      prometheus.Counter
	inputPulsesDropped *prometheus.CounterVec
	displayPulses      prometheus.Counter
	migrationSyncs     *prometheus.CounterVec
	migrationsDropped  *prometheus.CounterVec
}

// Metric label values for dropped events.
const (
	dropSessionRunning = "session_running"
	dropDisabled       = "disabled"
	dropDisplayBoost   = "display_boost"
	dropSuspended      = "suspended"
	dropBelowThreshold = "below_threshold"
	dropInvalidLoad    = "invalid_load"
	dropSelfWake       = "self_wake"
	dropBadCPU         = "bad_cpu"
)

// Metric label values for migration sync outcomes.
const (
	syncApplied           = "applied"
	syncSkippedPolicyRead = "skipped_policy_read"
	syncSkippedBelowMin   = "skipped_below_min"
)

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		inputSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cpuboost",
			Name:      "input_sessions_total",
			Help:      "Total number of input boost sessions started.",
		}),
		inputPulsesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpuboost",
			Name:      "input_pulses_dropped_total",
			Help:      "Total number of input pulses that did not start a session.",
		}, []string{"reason"}),
		displayPulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cpuboost",
			Name:      "display_pulses_total",
			Help:      "Total number of display boost pulses started.",
		}),
		migrationSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpuboost",
			Name:      "migration_syncs_total",
			Help:      "Total number of migration sync cycles run by the workers.",
		}, []string{"status"}),
		migrationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpuboost",
			Name:      "migration_events_dropped_total",
			Help:      "Total number of migration events dropped before reaching a worker.",
		}, []string{"reason"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.inputSessions,
			m.inputPulsesDropped,
			m.displayPulses,
			m.migrationSyncs,
			m.migrationsDropped,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}
