package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabnotify/internal/eventbus"
	logx "tabnotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

const failureWarnThrottle = 5 * time.Second

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*taskDef{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces) the task name. Tasks added before Start run once
// Start is called; tasks added afterwards are scheduled immediately.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name required")
	}
	if job == nil {
		return errors.New("task job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &taskDef{name: name, spec: ps.String(), timeout: timeout, job: job, stats: &taskStats{}}
	if ps.Kind == SpecInterval {
		d.every = ps.Every
	}
	s.defs[name] = d
	if s.runCtx != nil {
		if err := s.startLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
		s.log.Debug("task registered", logx.String("name", name), logx.String("spec", d.spec))
	}
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	s.stopDefLocked(d)
	delete(s.defs, name)
	return true
}

func (s *Service) stopDefLocked(d *taskDef) {
	if d.entryID != 0 && s.c != nil {
		s.c.Remove(d.entryID)
		d.entryID = 0
	}
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

// Start begins triggering registered tasks. Jobs get a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.startLocked(d); err != nil {
			s.log.Error("task register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

func (s *Service) startLocked(d *taskDef) error {
	switch {
	case d.every >= time.Second:
		d.entryID = s.c.Schedule(cron.Every(d.every), cron.FuncJob(func() { s.trigger(d) }))
		return nil
	case d.every > 0:
		d.stop = make(chan struct{})
		s.wg.Add(1)
		go s.tick(s.runCtx, d, d.every, d.stop)
		return nil
	default:
		id, err := s.c.AddFunc(d.spec, func() { s.trigger(d) })
		if err == nil {
			d.entryID = id
		}
		return err
	}
}

func (s *Service) tick(ctx context.Context, d *taskDef, every time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			s.trigger(d)
		}
	}
}

// trigger runs the job unless the previous run is still in flight.
func (s *Service) trigger(d *taskDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.stats.skipped.Add(1)
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}

	start := time.Now()
	d.stats.runs.Add(1)
	d.stats.lastRun.Store(start.UnixNano())
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()
	if err != nil && !errors.Is(err, context.Canceled) {
		d.stats.failed.Add(1)
		s.reportFailure(d.name, time.Since(start), err)
	}
}

func (s *Service) reportFailure(name string, took time.Duration, err error) {
	eventbus.Publish(s.bus, eventbus.TypeTaskFailed, TaskEvent{Name: name, Took: took, Error: err.Error()})

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < failureWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("task failed", logx.String("task", name), logx.Duration("took", took), logx.Err(err))
}

// Stop halts triggering and waits for ticker goroutines and running cron jobs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	for _, d := range s.defs {
		if d.stop != nil {
			close(d.stop)
			d.stop = nil
		}
		d.entryID = 0
	}
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.runCtx != nil, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		ti := TaskInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Runs:    d.stats.runs.Load(),
			Skipped: d.stats.skipped.Load(),
			Failed:  d.stats.failed.Load(),
		}
		if ns := d.stats.lastRun.Load(); ns > 0 {
			ti.LastRun = time.Unix(0, ns)
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ti.Next, ti.Prev = e.Next, e.Prev
		}
		snap.Tasks = append(snap.Tasks, ti)
	}
	sortTasks(snap.Tasks)
	return snap
}

func sortTasks(ts []TaskInfo) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].Name < ts[j-1].Name; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}
