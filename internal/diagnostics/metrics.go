package diagnostics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/scheduler"
)

type Metrics struct {
	Registry *prometheus.Registry

	events        *prometheus.CounterVec
	effects       *prometheus.CounterVec
	visible       prometheus.Gauge
	queued        prometheus.Gauge
	connected     prometheus.Gauge
	reconnects    prometheus.Counter
	busDropped    prometheus.GaugeFunc
	taskFailures  *prometheus.CounterVec
	replayFetched prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry. bus may be nil.
func NewMetrics(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnotify_notifications_total",
			Help: "Notification lifecycle events by stage and source.",
		}, []string{"stage", "source"}),
		effects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnotify_effects_total",
			Help: "Finished side effects by name and outcome.",
		}, []string{"name", "outcome"}),
		visible: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabnotify_visible_cards",
			Help: "Cards currently visible.",
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabnotify_queue_entries",
			Help: "Entries held by the presentation queue.",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "tabnotify_realtime_connected",
			Help: "1 while the real-time channel is connected.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "tabnotify_realtime_reconnects_total",
			Help: "Real-time sessions established after the first.",
		}),
		taskFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tabnotify_task_failures_total",
			Help: "Scheduler task failures by task.",
		}, []string{"task"}),
		replayFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "tabnotify_replay_fetched_total",
			Help: "System notifications fetched on reconnect.",
		}),
	}
	if c, ok := bus.(eventbus.Counter); ok {
		m.busDropped = f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tabnotify_eventbus_dropped",
			Help: "Events lost because a subscriber was slow.",
		}, func() float64 { return float64(c.Dropped()) })
	}
	return m
}

// SetQueue records the current queue gauges.
func (m *Metrics) SetQueue(visible, total int) {
	if m == nil {
		return
	}
	m.visible.Set(float64(visible))
	m.queued.Set(float64(total))
}

// Observe folds one bus event into the metrics.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch d := e.Data.(type) {
	case eventbus.Notice:
		m.events.WithLabelValues(strings.TrimPrefix(e.Type, "notification."), d.Source).Inc()
	case effects.Event:
		outcome := "ok"
		if e.Type == eventbus.TypeEffectFailed {
			outcome = "failed"
		}
		m.effects.WithLabelValues(d.Name, outcome).Inc()
	case eventbus.Connection:
		if e.Type == eventbus.TypeTransportDisconnected {
			m.connected.Set(0)
			return
		}
		m.connected.Set(1)
		if d.Reconnect {
			m.reconnects.Inc()
		}
	case eventbus.Replay:
		if e.Type == eventbus.TypeReplayFetched {
			m.replayFetched.Add(float64(d.Count))
		}
	case scheduler.TaskEvent:
		m.taskFailures.WithLabelValues(d.Name).Inc()
	}
}
