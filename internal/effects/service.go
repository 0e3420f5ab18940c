package effects

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"tabnotify/internal/eventbus"
	rtsup "tabnotify/internal/runtime/supervisor"
	logx "tabnotify/pkg/logx"

	"golang.org/x/time/rate"
)

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Effect
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	queued, done, failed, deduped, dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan Effect, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "effects"))))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0(fmt.Sprintf("effects.worker.%d", i), func(c context.Context) { s.workerLoop(c, q) })
	}
}

// Stop stops intake and drains queued effects until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
}

// Submit queues e without blocking. Duplicate keys inside the dedup window are
// dropped silently.
func (s *Service) Submit(e Effect) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, max := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if e.Key != "" && window > 0 && !s.dedupAllow(e.Key, window, max) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case q <- e:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		eventbus.Publish(s.bus, eventbus.TypeEffectFailed, Event{Name: e.Name, Key: e.Key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Done:    s.done.Load(),
		Failed:  s.failed.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Effect) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q:
			if !ok {
				return
			}
			s.runWithRetry(ctx, e)
		}
	}
}

func (s *Service) runWithRetry(ctx context.Context, e Effect) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	start := time.Now()
	maxAttempts := 1 + cfg.RetryMax
	var err error
	attempt := 0
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err = e.Run(actx)
		cancel()
		if err == nil || IsPermanent(err) || attempt == maxAttempts {
			break
		}
		s.log.Debug("effect attempt failed", logx.String("effect", e.Name), logx.Int("attempt", attempt), logx.Err(err))
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			attempt = maxAttempts + 1
		}
		if ctx.Err() != nil {
			break
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	ev := Event{Name: e.Name, Key: e.Key, Attempts: attempt, Took: time.Since(start)}
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		s.log.Warn("effect failed", logx.String("effect", e.Name), logx.String("key", e.Key), logx.Int("attempts", attempt), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.TypeEffectFailed, ev)
	} else {
		s.done.Add(1)
		eventbus.Publish(s.bus, eventbus.TypeEffectDone, ev)
	}
	if e.Done != nil {
		e.Done(err)
	}
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > max {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
