package pipeline

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	logx "tabnotify/pkg/logx"
)

const DefaultLoopBuffer = 256

var ErrLoopStopped = errors.New("pipeline loop stopped")

// Loop runs posted closures one at a time on a single goroutine. Everything
// the pipeline owns is only touched from inside those closures.
type Loop struct {
	log  logx.Logger
	jobs chan func()

	done     chan struct{}
	doneOnce sync.Once
	runOnce  sync.Once
}

func NewLoop(buffer int, log logx.Logger) *Loop {
	if buffer <= 0 {
		buffer = DefaultLoopBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{log: log, jobs: make(chan func(), buffer), done: make(chan struct{})}
}

// Post enqueues fn, blocking while the queue is full.
func (l *Loop) Post(ctx context.Context, fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.jobs <- fn:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost enqueues fn without blocking and reports whether it was accepted.
func (l *Loop) TryPost(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.jobs <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it. Must not be called from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes jobs until ctx is done. Jobs still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) {
	started := false
	l.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer l.doneOnce.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			if n := len(l.jobs); n > 0 {
				l.log.Debug("loop stopped with queued jobs", logx.Int("dropped", n))
			}
			return
		case fn := <-l.jobs:
			l.exec(fn)
		}
	}
}

// Done is closed once Run returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) Backlog() int { return len(l.jobs) }

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in loop job", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// drain runs every queued job on the caller's goroutine.
func (l *Loop) drain() int {
	n := 0
	for {
		select {
		case fn := <-l.jobs:
			l.exec(fn)
			n++
		default:
			return n
		}
	}
}
