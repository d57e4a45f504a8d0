package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/kernel/sched"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Syscall metrics
	SyscallsTotal   *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// IPC metrics
	IPCPairings   prometheus.Counter
	IPCTimeouts   prometheus.Counter
	NotifySignals prometheus.Counter

	// Scheduler metrics
	ContextSwitches prometheus.Counter
	Preemptions     prometheus.Counter
	Donations       prometheus.Counter
	RunQueueDepth   prometheus.Gauge
	ThreadsByState  *prometheus.GaugeVec

	// Object and memory metrics
	ObjectsLive prometheus.Gauge
	RetypeBytes prometheus.Counter
	Revocations prometheus.Counter

	// Process metrics
	ProcessesActive prometheus.Gauge
	ProcessesTotal  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSEvents      prometheus.Counter
}

// New creates a metrics collector registered on reg. Passing
// prometheus.DefaultRegisterer gives the usual process-global behavior;
// tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kerneld_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kerneld_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		SyscallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kerneld_syscalls_total",
				Help: "Total number of dispatched syscalls",
			},
			[]string{"syscall", "result"},
		),
		SyscallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kerneld_syscall_duration_seconds",
				Help:    "Wall-clock syscall dispatch duration in seconds",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
			[]string{"syscall"},
		),

		IPCPairings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_ipc_pairings_total",
				Help: "Total number of send/receive rendezvous pairings",
			},
		),
		IPCTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_ipc_timeouts_total",
				Help: "Total number of IPC waits expired by deadline",
			},
		),
		NotifySignals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_notify_signals_total",
				Help: "Total number of notification signals posted",
			},
		),

		ContextSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_context_switches_total",
				Help: "Total number of scheduler context switches",
			},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_preemptions_total",
				Help: "Total number of quantum-expiry preemptions",
			},
		),
		Donations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_priority_donations_total",
				Help: "Total number of priority donations across call chains",
			},
		),
		RunQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kerneld_run_queue_depth",
				Help: "Ready threads across all cores",
			},
		),
		ThreadsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kerneld_threads",
				Help: "Threads by scheduler state",
			},
			[]string{"state"},
		),

		ObjectsLive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kerneld_objects_live",
				Help: "Live kernel objects in the registry",
			},
		),
		RetypeBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_retype_bytes_total",
				Help: "Total untyped bytes consumed by retype",
			},
		),
		Revocations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_revocations_total",
				Help: "Total capability revocations",
			},
		),

		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kerneld_processes_active",
				Help: "Number of live processes",
			},
		),
		ProcessesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_processes_total",
				Help: "Total number of processes spawned",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kerneld_ws_connections",
				Help: "Active WebSocket trace subscribers",
			},
		),
		WSEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kerneld_ws_events_total",
				Help: "Kernel events pushed to WebSocket subscribers",
			},
		),
	}
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSyscall records one dispatched trap.
func (m *Metrics) RecordSyscall(name, result string, duration time.Duration) {
	m.SyscallsTotal.WithLabelValues(name, result).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// Emit implements event.Emitter: the kernel trace drives the IPC,
// scheduler, and memory counters.
func (m *Metrics) Emit(ev event.Event) {
	switch ev.Type {
	case event.TypeContextSwitch:
		m.ContextSwitches.Inc()
	case event.TypePreempt:
		m.Preemptions.Inc()
	case event.TypeDonation:
		m.Donations.Inc()
	case event.TypeIPCPair:
		m.IPCPairings.Inc()
	case event.TypeIPCTimeout:
		m.IPCTimeouts.Inc()
	case event.TypeNotify:
		m.NotifySignals.Inc()
	case event.TypeRetype:
		if b, ok := ev.Fields["bytes"].(uint64); ok {
			m.RetypeBytes.Add(float64(b))
		}
	case event.TypeRevoke:
		m.Revocations.Inc()
	case event.TypeSpawn:
		m.ProcessesTotal.Inc()
	}
}

// UpdateScheduler refreshes the scheduler gauges from a snapshot.
func (m *Metrics) UpdateScheduler(stats sched.Stats, threads []sched.Stat) {
	m.RunQueueDepth.Set(float64(stats.RunQueueDepth))

	byState := make(map[string]int)
	for _, t := range threads {
		byState[t.State]++
	}
	m.ThreadsByState.Reset()
	for state, n := range byState {
		m.ThreadsByState.WithLabelValues(state).Set(float64(n))
	}
}

// UpdateObjects refreshes the registry gauge.
func (m *Metrics) UpdateObjects(live int) {
	m.ObjectsLive.Set(float64(live))
}

// UpdateProcesses refreshes the process gauge.
func (m *Metrics) UpdateProcesses(active int) {
	m.ProcessesActive.Set(float64(active))
}
