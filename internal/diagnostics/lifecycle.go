package diagnostics

import (
	"context"

	"tabnotify/internal/eventbus"
	logx "tabnotify/pkg/logx"
)

// Lifecycle logs every bus event and feeds Metrics. Per-notification stages
// are debug level; transport and failure events are info or warn.
type Lifecycle struct {
	log     logx.Logger
	metrics *Metrics
}

func NewLifecycle(log logx.Logger, m *Metrics) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{log: log, metrics: m}
}

// Run consumes bus until ctx is done.
func (l *Lifecycle) Run(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			l.Handle(e)
		}
	}
}

func (l *Lifecycle) Handle(e eventbus.Event) {
	l.metrics.Observe(e)
	switch d := e.Data.(type) {
	case eventbus.Notice:
		fields := []logx.Field{logx.String("event", e.Type), logx.String("id", d.ID)}
		if d.GroupKey != "" && d.GroupKey != d.ID {
			fields = append(fields, logx.String("group", d.GroupKey))
		}
		if d.Reason != "" {
			fields = append(fields, logx.String("reason", d.Reason))
		}
		switch e.Type {
		case eventbus.TypeRejected, eventbus.TypeThrottled:
			l.log.Info("notification "+trimStage(e.Type), fields...)
		default:
			l.log.Debug("notification "+trimStage(e.Type), fields...)
		}
	case eventbus.Connection:
		if d.Error != "" {
			l.log.Info("transport disconnected", logx.String("err", d.Error))
		}
	case eventbus.Replay:
		if d.Error != "" {
			l.log.Warn("replay fetch failed", logx.Time("since", d.Since), logx.String("err", d.Error))
			return
		}
		l.log.Info("replay fetched", logx.Time("since", d.Since), logx.Int("count", d.Count))
	default:
		l.log.Trace("event", logx.String("type", e.Type))
	}
}

func trimStage(typ string) string {
	const p = "notification."
	if len(typ) > len(p) && typ[:len(p)] == p {
		return typ[len(p):]
	}
	return typ
}
