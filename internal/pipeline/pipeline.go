// Package pipeline is the notification engine of one tab. Transport frames,
// scheduler ticks, shared-state changes and user actions are all posted to a
// single Loop, so the dedup memories, rate buckets, micro-batch and queue are
// mutated by one goroutine only.
//
// Receive order for every event: identity guard, eligibility, deduplication,
// rate limit, normalize, micro-batch. Released batches enter the queue and the
// visible set is recomputed; snapshots are published on the flush tick.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"tabnotify/internal/batcher"
	"tabnotify/internal/crosstab"
	"tabnotify/internal/dedup"
	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	"tabnotify/internal/queue"
	"tabnotify/internal/ratelimit"
	"tabnotify/internal/replay"
	"tabnotify/internal/storage"
	"tabnotify/internal/transport/telegram"
	logx "tabnotify/pkg/logx"
)

const (
	DefaultRecencySize    = 1000
	DefaultReplayLookback = 24 * time.Hour
	storeTimeout          = 500 * time.Millisecond
)

type Config struct {
	Queue     queue.Config
	RateLimit ratelimit.Config
	Dedup     dedup.Config
	// RecencySize caps the eventId/deliveryId guard.
	RecencySize    int
	BatchWindow    time.Duration
	ReplayLookback time.Duration
	MuteTTL        time.Duration
	// Headless tabs are never foreground; only the OS channel presents.
	Headless bool

	Now func() time.Time
}

// Acker confirms a delivery back to the realtime server.
type Acker interface {
	Ack(deliveryID string) error
}

// Collaborator is the REST surface the pipeline calls through effects.
type Collaborator interface {
	MarkSystemRead(ctx context.Context, id string) error
	MarkConversationRead(ctx context.Context, conversationID string) error
	ClearConversationCounters(ctx context.Context, conversationID string) error
	FetchArchived(ctx context.Context) ([]string, error)
	FetchMissedSystem(ctx context.Context, since time.Time) ([]notification.RawSystem, error)
}

// Submitter runs fire-and-forget side effects.
type Submitter interface {
	Submit(e effects.Effect) error
}

// OSNotifier raises a notification outside the tab.
type OSNotifier interface {
	Granted() bool
	Notify(ctx context.Context, m telegram.Message) error
}

// Deps are the collaborators of a Pipeline. Coordinator is required; any
// other nil field disables the feature that needs it.
type Deps struct {
	Recipient   notification.Recipient
	Coordinator *crosstab.Coordinator
	Store       storage.Store
	Acker       Acker
	API         Collaborator
	Effects     Submitter
	OS          OSNotifier
	Bus         eventbus.Bus
	Log         logx.Logger
}

type Pipeline struct {
	cfg  Config
	now  func() time.Time
	log  logx.Logger
	bus  eventbus.Bus
	loop *Loop

	recipient notification.Recipient
	coord     *crosstab.Coordinator
	store     storage.Store
	acker     Acker
	api       Collaborator
	fx        Submitter
	os        OSNotifier

	recency *dedup.RecencySet
	dedup   *dedup.Deduplicator
	limiter *ratelimit.Limiter
	batch   *batcher.Batcher
	queue   *queue.Engine
	replay  *replay.State

	foreground bool
	connected  bool
	shown      map[string]bool
	dirty      bool
	version    uint64

	hookMu       sync.Mutex
	hooks        []func()
	hookFlushing bool

	subMu sync.Mutex
	subs  map[int]chan Snapshot
	subID int
	last  Snapshot
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RecencySize <= 0 {
		cfg.RecencySize = DefaultRecencySize
	}
	if cfg.ReplayLookback <= 0 {
		cfg.ReplayLookback = DefaultReplayLookback
	}
	cfg.Queue.Now = cfg.Now

	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "pipeline"))

	p := &Pipeline{
		cfg:        cfg,
		now:        cfg.Now,
		log:        log,
		bus:        deps.Bus,
		loop:       NewLoop(DefaultLoopBuffer, log),
		recipient:  deps.Recipient,
		coord:      deps.Coordinator,
		store:      deps.Store,
		acker:      deps.Acker,
		api:        deps.API,
		fx:         deps.Effects,
		os:         deps.OS,
		recency:    dedup.NewRecencySet(cfg.RecencySize),
		dedup:      dedup.New(cfg.Dedup),
		limiter:    ratelimit.New(cfg.RateLimit, cfg.Now, log),
		batch:      batcher.New(cfg.BatchWindow),
		queue:      queue.New(cfg.Queue),
		replay:     replay.New(deps.Store, log),
		foreground: !cfg.Headless,
		shown:      map[string]bool{},
		subs:       map[int]chan Snapshot{},
	}
	if p.coord == nil {
		p.coord = crosstab.NewCoordinator(crosstab.NewMemory(nil, ""), crosstab.Config{MuteTTL: cfg.MuteTTL, Now: cfg.Now}, log)
	}
	p.batch.OnRelease(p.release)
	return p
}

// Loop returns the loop that owns the pipeline state; the caller runs it.
func (p *Pipeline) Loop() *Loop { return p.loop }

// Preload restores persisted state: seen identity keys, the replay watermark
// and the shared suppression keys. Call before the loop runs.
func (p *Pipeline) Preload(ctx context.Context) error {
	if p.store != nil {
		keys, err := p.store.LoadSeen(ctx, p.cfg.RecencySize)
		if err != nil {
			return err
		}
		for _, k := range keys {
			p.recency.Add(k)
		}
		p.log.Debug("seen keys preloaded", logx.Int("count", len(keys)))
	}
	if err := p.replay.Load(ctx); err != nil {
		return err
	}
	return p.coord.Load(ctx)
}

// Apply swaps the live-reloadable settings.
func (p *Pipeline) Apply(ctx context.Context, cfg Config) error {
	return p.loop.Do(ctx, func() {
		qc := cfg.Queue
		qc.Now = p.now
		p.queue.Apply(qc)
		p.limiter.Apply(cfg.RateLimit)
		p.batch.SetWindow(cfg.BatchWindow)
		p.coord.SetMuteTTL(cfg.MuteTTL)
		if cfg.ReplayLookback > 0 {
			p.cfg.ReplayLookback = cfg.ReplayLookback
		}
		p.refresh()
	})
}

// Shutdown releases the micro-batch and writes the watermark.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	doErr := p.loop.Do(ctx, func() {
		p.batch.Drain()
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		err = p.replay.Persist(wctx)
		_ = p.coord.SetActive(wctx, "", false)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (p *Pipeline) notice(typ string, n *notification.Notification, reason string) {
	if p.bus == nil || n == nil {
		return
	}
	eventbus.Publish(p.bus, typ, eventbus.Notice{ID: n.ID, GroupKey: n.GroupKey, Source: string(n.Source()), Reason: reason})
}

func (p *Pipeline) noticeID(typ, id string, src notification.Source, reason string) {
	eventbus.Publish(p.bus, typ, eventbus.Notice{ID: id, Source: string(src), Reason: reason})
}

// submit hands an effect to the dispatcher; without one the effect is dropped.
func (p *Pipeline) submit(e effects.Effect) {
	if p.fx == nil {
		return
	}
	if err := p.fx.Submit(e); err != nil {
		p.log.Debug("effect not submitted", logx.String("effect", e.Name), logx.Err(err))
	}
}

func (p *Pipeline) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// mutedSet adapts the coordinator to the queue's KeySet view.
type mutedSet struct{ c *crosstab.Coordinator }

func (m mutedSet) Has(key string) bool {
	conv, ok := conversationOf(key)
	return ok && m.c.IsMuted(conv)
}

func conversationOf(key string) (string, bool) {
	prefix := string(notification.SourceWhatsApp) + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}
