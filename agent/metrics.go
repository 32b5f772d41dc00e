package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the relay telemetry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PollTicks         *prometheus.CounterVec // ticks by result: ok, error, skipped
	LastSeenBlock     prometheus.Gauge       // highest fully applied block
	EventsApplied     *prometheus.CounterVec // events that changed the snapshot, by kind
	DecodeFailures    prometheus.Counter     // logs dropped as malformed
	TasksCached       prometheus.Gauge       // tasks held in the snapshot store
	PhaseTransitions  prometheus.Counter     // phases moved by the sweep
	MessageSubmission *prometheus.CounterVec // message posts by outcome
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PollTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_poll_ticks_total",
			Help: "Poll ticks by result",
		}, []string{"result"}),
		LastSeenBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_last_seen_block",
			Help: "Highest ledger block whose logs are applied",
		}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_applied_total",
			Help: "Ledger events applied to the task snapshot",
		}, []string{"kind"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_failures_total",
			Help: "Ledger logs skipped because they could not be decoded",
		}),
		TasksCached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tasks_cached",
			Help: "Number of tasks in the snapshot store",
		}),
		PhaseTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_phase_transitions_total",
			Help: "Task phase changes recorded by the phase sweep",
		}),
		MessageSubmission: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_message_submissions_total",
			Help: "Deliberation message posts by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) tick(result string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) synced(lastSeen uint64, tasks int) {
	if m == nil {
		return
	}
	m.LastSeenBlock.Set(float64(lastSeen))
	m.TasksCached.Set(float64(tasks))
}

func (m *Metrics) applied(kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

func (m *Metrics) transitions(n int) {
	if m == nil {
		return
	}
	m.PhaseTransitions.Add(float64(n))
}

func (m *Metrics) submission(outcome string) {
	if m == nil {
		return
	}
	m.MessageSubmission.WithLabelValues(outcome).Inc()
}
