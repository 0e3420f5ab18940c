package pipeline

import (
	"context"
	"errors"
	"time"

	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	"tabnotify/internal/scheduler"
	logx "tabnotify/pkg/logx"
)

// Task names registered with the scheduler.
const (
	TaskVisibility  = "visibility"
	TaskFlush       = "flush"
	TaskRateSweep   = "ratelimit.sweep"
	TaskBookkeeping = "bookkeeping.sweep"
)

// Schedules holds the scheduler spec of every task.
type Schedules struct {
	Visibility  string
	Flush       string
	RateSweep   string
	Bookkeeping string
}

func (s Schedules) withDefaults() Schedules {
	if s.Visibility == "" {
		s.Visibility = "250ms"
	}
	if s.Flush == "" {
		s.Flush = "100ms"
	}
	if s.RateSweep == "" {
		s.RateSweep = "@every 1m"
	}
	if s.Bookkeeping == "" {
		s.Bookkeeping = "@every 5m"
	}
	return s
}

// Registrar is the scheduler surface the pipeline needs.
type Registrar interface {
	Add(name, schedule string, timeout time.Duration, job scheduler.Job) error
}

// RegisterTasks adds the periodic pipeline tasks. Each task runs its body on the loop.
func (p *Pipeline) RegisterTasks(r Registrar, s Schedules) error {
	s = s.withDefaults()
	tasks := []struct {
		name, spec string
		timeout    time.Duration
		run        scheduler.Job
	}{
		{TaskVisibility, s.Visibility, time.Second, p.onLoop(func(context.Context) error { p.tickVisibility(); return nil })},
		{TaskFlush, s.Flush, time.Second, p.onLoop(func(context.Context) error { p.flush(); return nil })},
		{TaskRateSweep, s.RateSweep, 5 * time.Second, p.onLoop(func(context.Context) error { p.sweepRates(); return nil })},
		{TaskBookkeeping, s.Bookkeeping, 10 * time.Second, p.onLoop(p.sweepBookkeeping)},
	}
	for _, t := range tasks {
		if err := r.Add(t.name, t.spec, t.timeout, t.run); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) onLoop(fn func(ctx context.Context) error) scheduler.Job {
	return func(ctx context.Context) error {
		var err error
		if doErr := p.loop.Do(ctx, func() { err = fn(ctx) }); doErr != nil {
			if errors.Is(doErr, ErrLoopStopped) {
				return nil
			}
			return doErr
		}
		return err
	}
}

// tickVisibility releases the micro-batch, performs due revives, expires idle
// cards and recomputes the visible set.
func (p *Pipeline) tickVisibility() {
	now := p.now()
	p.batch.Flush(now)

	for _, id := range p.queue.Revive(now) {
		p.noticeID(eventbus.TypeRevived, id, notification.SourceWhatsApp, "")
		p.dirty = true
	}
	exp := p.queue.Expire(now)
	for _, id := range exp.Idle {
		p.noticeID(eventbus.TypeExpired, id, "", "idle")
	}
	for _, id := range exp.Outdated {
		p.noticeID(eventbus.TypeRemoved, id, notification.SourceSystem, ReasonExpired)
	}
	if len(exp.Idle)+len(exp.Outdated) > 0 {
		p.dirty = true
	}
	p.refresh()
}

func (p *Pipeline) sweepRates() {
	if n := p.limiter.Sweep(p.now()); n > 0 {
		p.log.Debug("rate buckets released", logx.Int("count", n))
	}
}

// sweepBookkeeping collects dismissed entries, forgotten dedup ids and
// expired mutes, then writes the replay watermark.
func (p *Pipeline) sweepBookkeeping(ctx context.Context) error {
	now := p.now()
	dismissed := p.queue.Sweep(now)
	forgotten := p.dedup.Sweep(now)

	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	pruned, muteErr := p.coord.PruneMutes(wctx)
	if pruned > 0 {
		p.dirty = true
	}
	persistErr := p.replay.Persist(wctx)

	p.log.Debug("bookkeeping sweep",
		logx.Int("dismissed", dismissed),
		logx.Int("forgotten", forgotten),
		logx.Int("mutes_pruned", pruned),
	)
	return errors.Join(muteErr, persistErr)
}
