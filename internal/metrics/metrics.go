// Package metrics exposes the supervisor's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State names used as the label value on the state gauge vector, matching
// the state machine's StateType.
const (
	StateStartup     = "startup"
	StateSyncing     = "syncing"
	StateRegistering = "registering"
	StateVoting      = "voting"
	StateValidating  = "validating"
	StateShutdown    = "shutdown"
)

var allStates = []string{
	StateStartup, StateSyncing, StateRegistering, StateVoting, StateValidating, StateShutdown,
}

// Metrics holds the supervisor's Prometheus collectors.
type Metrics struct {
	State            *prometheus.GaugeVec
	ChildRestarts    prometheus.Counter
	RenewalFailures  prometheus.Counter
	Uptime           prometheus.Gauge
	ChildRSSBytes    prometheus.Gauge
	ChildCPUPercent  prometheus.Gauge
	MaintenanceTotal *prometheus.CounterVec
}

// New creates collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "validator_supervisor_state",
				Help: "1 for the state the supervisor is currently in, 0 for all others.",
			},
			[]string{"state"},
		),
		ChildRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validator_supervisor_child_restarts_total",
			Help: "Number of times the child process has been restarted.",
		}),
		RenewalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validator_supervisor_session_renewal_failures_total",
			Help: "Number of registry session renewal attempts that failed.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validator_supervisor_uptime_seconds",
			Help: "Seconds since the supervisor process started.",
		}),
		ChildRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validator_supervisor_child_resident_memory_bytes",
			Help: "Resident memory of the tracked child process, if any.",
		}),
		ChildCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validator_supervisor_child_cpu_percent",
			Help: "CPU percentage of the tracked child process, if any.",
		}),
		MaintenanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "validator_supervisor_maintenance_requests_total",
				Help: "Maintenance shutdown requests by outcome.",
			},
			[]string{"outcome"},
		),
	}

	for _, s := range allStates {
		m.State.WithLabelValues(s).Set(0)
	}

	registerer.MustRegister(
		m.State,
		m.ChildRestarts,
		m.RenewalFailures,
		m.Uptime,
		m.ChildRSSBytes,
		m.ChildCPUPercent,
		m.MaintenanceTotal,
	)

	return m
}

// SetState moves the gauge vector so only the current state reads 1.
func (m *Metrics) SetState(current string) {
	for _, s := range allStates {
		if s == current {
			m.State.WithLabelValues(s).Set(1)
		} else {
			m.State.WithLabelValues(s).Set(0)
		}
	}
}

// UpdateUptime sets the uptime gauge from the process start time.
func (m *Metrics) UpdateUptime(start time.Time) {
	m.Uptime.Set(time.Since(start).Seconds())
}

// SetChildStats records the child's current resource usage, read via
// gopsutil. Purely observational: no state-machine decision depends on it.
func (m *Metrics) SetChildStats(rssBytes uint64, cpuPercent float64) {
	m.ChildRSSBytes.Set(float64(rssBytes))
	m.ChildCPUPercent.Set(cpuPercent)
}

// ClearChildStats zeroes the child gauges once no child is tracked.
func (m *Metrics) ClearChildStats() {
	m.ChildRSSBytes.Set(0)
	m.ChildCPUPercent.Set(0)
}
