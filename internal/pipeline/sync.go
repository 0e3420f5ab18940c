package pipeline

import (
	"context"
	"errors"

	"tabnotify/internal/crosstab"
	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	logx "tabnotify/pkg/logx"
)

var errWatchClosed = errors.New("crosstab watch closed")

// OnConnect is the realtime connect hook. Every connect refreshes the
// archived set; a reconnect also fetches system notifications missed while
// the connection was down.
func (p *Pipeline) OnConnect(reconnect bool) {
	p.postHook("connect", func() { p.connectedNow(reconnect) })
}

// OnDisconnect is the realtime disconnect hook.
func (p *Pipeline) OnDisconnect(error) {
	p.postHook("disconnect", func() {
		p.connected = false
		p.dirty = true
	})
}

// postHook never drops a connection transition. When the loop is saturated
// hooks queue in order and a single goroutine feeds them in, so the realtime
// reader is not blocked.
func (p *Pipeline) postHook(name string, fn func()) {
	p.hookMu.Lock()
	if len(p.hooks) == 0 && !p.hookFlushing && p.loop.TryPost(fn) {
		p.hookMu.Unlock()
		return
	}
	p.hooks = append(p.hooks, fn)
	if p.hookFlushing {
		p.hookMu.Unlock()
		return
	}
	p.hookFlushing = true
	p.hookMu.Unlock()
	p.log.Debug("loop full, deferring connection hook", logx.String("hook", name), logx.Int("backlog", p.loop.Backlog()))
	go p.flushHooks()
}

func (p *Pipeline) flushHooks() {
	for {
		p.hookMu.Lock()
		if len(p.hooks) == 0 {
			p.hookFlushing = false
			p.hookMu.Unlock()
			return
		}
		fn := p.hooks[0]
		p.hooks = p.hooks[1:]
		p.hookMu.Unlock()
		if err := p.loop.Post(context.Background(), fn); err != nil {
			p.hookMu.Lock()
			dropped := len(p.hooks) + 1
			p.hooks = nil
			p.hookFlushing = false
			p.hookMu.Unlock()
			p.log.Warn("connection hooks dropped", logx.Int("count", dropped), logx.Err(err))
			return
		}
	}
}

func (p *Pipeline) connectedNow(reconnect bool) {
	p.connected = true
	p.dirty = true
	if p.api == nil {
		return
	}
	api := p.api
	loop := p.loop

	p.submit(effects.Effect{
		Name: "rest.fetch_archived",
		Key:  "fetch-archived",
		Run: func(ctx context.Context) error {
			ids, err := api.FetchArchived(ctx)
			if err != nil {
				return err
			}
			return loop.Post(ctx, func() { p.archivedFetched(ids) })
		},
	})

	if !reconnect {
		return
	}
	since := p.replay.Since(p.now(), p.cfg.ReplayLookback)
	bus := p.bus
	p.submit(effects.Effect{
		Name: "rest.fetch_missed_system",
		Key:  "replay",
		Run: func(ctx context.Context) error {
			list, err := api.FetchMissedSystem(ctx, since)
			if err != nil {
				return err
			}
			return loop.Post(ctx, func() { p.replayed(since, list) })
		},
		Done: func(err error) {
			if err != nil {
				eventbus.Publish(bus, eventbus.TypeReplayFailed, eventbus.Replay{Since: since, Error: err.Error()})
			}
		},
	})
}

func (p *Pipeline) archivedFetched(ids []string) {
	ctx, cancel := p.storeCtx()
	defer cancel()
	if err := p.coord.ReplaceArchived(ctx, ids); err != nil {
		p.log.Warn("archived set not shared", logx.Err(err))
	}
	p.refilter(crosstab.KeyArchived)
}

// WatchShared forwards changes made by sibling tabs to the loop until ctx is
// done. It returns an error when the store stops delivering early.
func (p *Pipeline) WatchShared(ctx context.Context, store crosstab.Store) error {
	ch, err := store.Watch(ctx)
	if err != nil {
		return err
	}
	return p.forwardChanges(ctx, ch)
}

func (p *Pipeline) forwardChanges(ctx context.Context, ch <-chan crosstab.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errWatchClosed
			}
			if err := p.loop.Post(ctx, func() { p.applyChange(change) }); err != nil {
				if errors.Is(err, ErrLoopStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (p *Pipeline) applyChange(ch crosstab.Change) {
	if !p.coord.Apply(ch) {
		return
	}
	p.log.Trace("shared key changed", logx.String("key", ch.Key), logx.String("origin", ch.Origin))
	p.refilter(ch.Key)
}

// refilter drops cards that a shared key change made ineligible.
func (p *Pipeline) refilter(key string) {
	var match func(*notification.ConversationDetail) bool
	reason := key
	switch key {
	case crosstab.KeyMuted:
		match = func(c *notification.ConversationDetail) bool { return p.coord.IsMuted(c.ConversationID) }
	case crosstab.KeyArchived:
		match = func(c *notification.ConversationDetail) bool { return p.coord.IsArchived(c.ConversationID) }
	case crosstab.KeyLastRead:
		match = func(c *notification.ConversationDetail) bool {
			lr, ok := p.coord.LastRead(c.ConversationID)
			return ok && !c.Latest().After(lr)
		}
	case crosstab.KeyActive:
		a := p.coord.Active()
		if !a.Visible || a.ConversationID == "" {
			p.dirty = true
			return
		}
		match = func(c *notification.ConversationDetail) bool { return c.ConversationID == a.ConversationID }
	default:
		return
	}
	removed := p.queue.RemoveWhere(func(n *notification.Notification) bool {
		c := n.Conversation()
		return c != nil && match(c)
	})
	for _, id := range removed {
		p.noticeID(eventbus.TypeRemoved, id, notification.SourceWhatsApp, reason)
	}
	p.dirty = true
	p.refresh()
}
