package pipeline

import (
	"context"
	"errors"

	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	logx "tabnotify/pkg/logx"
)

var (
	ErrUnknownNotification = errors.New("unknown notification")
	ErrNotConversation     = errors.New("not a conversation notification")
)

// User actions. Each runs on the loop and waits for it; none may be called
// from inside the loop.

// Dismiss hides a card. A system card is also marked read on the server.
func (p *Pipeline) Dismiss(ctx context.Context, id string) error {
	var err error
	if doErr := p.loop.Do(ctx, func() { err = p.dismiss(id) }); doErr != nil {
		return doErr
	}
	return err
}

func (p *Pipeline) dismiss(id string) error {
	n, ok := p.queue.GetNotification(id)
	if !ok || !p.queue.Dismiss(id) {
		return ErrUnknownNotification
	}
	p.notice(eventbus.TypeDismissed, n, "user")
	if n.System() != nil && p.api != nil {
		api := p.api
		p.submit(effects.Effect{
			Name: "rest.mark_system_read",
			Key:  "system-read:" + n.ID,
			Run:  func(ctx context.Context) error { return api.MarkSystemRead(ctx, n.ID) },
		})
	}
	p.refresh()
	return nil
}

// Mute silences a conversation in every tab and drops its card.
func (p *Pipeline) Mute(ctx context.Context, id string) error {
	var err error
	if doErr := p.loop.Do(ctx, func() { err = p.mute(id) }); doErr != nil {
		return doErr
	}
	return err
}

func (p *Pipeline) mute(id string) error {
	conv, ok := conversationOf(id)
	if !ok {
		return ErrNotConversation
	}
	ctx, cancel := p.storeCtx()
	defer cancel()
	if err := p.coord.Mute(ctx, conv); err != nil {
		p.log.Warn("mute not shared", logx.String("conversation", conv), logx.Err(err))
	}
	if p.queue.Remove(id) {
		p.noticeID(eventbus.TypeRemoved, id, notification.SourceWhatsApp, "muted")
	}
	p.dirty = true
	p.refresh()
	return nil
}

// Unmute lifts a mute. Only future messages are presented again.
func (p *Pipeline) Unmute(ctx context.Context, conversationID string) error {
	var err error
	if doErr := p.loop.Do(ctx, func() {
		wctx, cancel := p.storeCtx()
		defer cancel()
		err = p.coord.Unmute(wctx, conversationID)
		p.dirty = true
	}); doErr != nil {
		return doErr
	}
	return err
}

// Open navigates to a conversation: it becomes this tab's active view, is
// marked read locally and on the server, and its card is removed.
func (p *Pipeline) Open(ctx context.Context, id string) error {
	var err error
	if doErr := p.loop.Do(ctx, func() { err = p.open(id) }); doErr != nil {
		return doErr
	}
	return err
}

// OpenConversation is Open by conversation id, used by the OS channel.
func (p *Pipeline) OpenConversation(ctx context.Context, conversationID string) error {
	return p.Open(ctx, notification.ConversationKey(conversationID))
}

func (p *Pipeline) open(id string) error {
	conv, ok := conversationOf(id)
	if !ok {
		// Opening a system card only acknowledges it.
		return p.dismiss(id)
	}
	at := p.now()
	if n, ok := p.queue.GetNotification(id); ok {
		if latest := n.Conversation().Latest(); latest.After(at) {
			at = latest
		}
	}
	p.markReadShared(conv, at)

	ctx, cancel := p.storeCtx()
	defer cancel()
	if err := p.coord.SetActive(ctx, conv, p.foreground); err != nil {
		p.log.Warn("active view not shared", logx.String("conversation", conv), logx.Err(err))
	}
	if p.queue.Remove(id) {
		p.noticeID(eventbus.TypeRemoved, id, notification.SourceWhatsApp, "opened")
	}
	if p.api != nil {
		api := p.api
		p.submit(effects.Effect{
			Name: "rest.mark_conversation_read",
			Key:  "conversation-read:" + conv,
			Run:  func(ctx context.Context) error { return api.MarkConversationRead(ctx, conv) },
		})
	}
	p.dirty = true
	p.refresh()
	return nil
}

// Close leaves the active conversation view of this tab.
func (p *Pipeline) Close(ctx context.Context) error {
	var err error
	if doErr := p.loop.Do(ctx, func() {
		wctx, cancel := p.storeCtx()
		defer cancel()
		err = p.coord.SetActive(wctx, "", false)
	}); doErr != nil {
		return doErr
	}
	return err
}

// ClearAll removes every card and clears the conversation counters on the server.
func (p *Pipeline) ClearAll(ctx context.Context) error {
	return p.loop.Do(ctx, func() {
		for _, id := range p.queue.RemoveWhere(func(*notification.Notification) bool { return true }) {
			p.noticeID(eventbus.TypeRemoved, id, "", "cleared")
		}
		if p.api != nil {
			api := p.api
			p.submit(effects.Effect{
				Name: "rest.clear_counters",
				Key:  "clear-counters",
				Run:  func(ctx context.Context) error { return api.ClearConversationCounters(ctx, "") },
			})
		}
		p.dirty = true
		p.refresh()
	})
}

// Touch records an interaction with a card so it is not auto-dismissed.
func (p *Pipeline) Touch(ctx context.Context, id string) error {
	return p.loop.Do(ctx, func() { p.queue.Touch(id) })
}

// TouchAll records an interaction with every visible card.
func (p *Pipeline) TouchAll(ctx context.Context) error {
	return p.loop.Do(ctx, func() {
		for _, n := range p.queue.GetVisible() {
			p.queue.Touch(n.ID)
		}
	})
}

// SetForeground reports whether the tab is in front of the user. Headless
// tabs stay in the background.
func (p *Pipeline) SetForeground(ctx context.Context, fg bool) error {
	return p.loop.Do(ctx, func() {
		if p.cfg.Headless {
			fg = false
		}
		if p.foreground == fg {
			return
		}
		p.foreground = fg
		p.dirty = true
		wctx, cancel := p.storeCtx()
		defer cancel()
		if err := p.coord.SetVisible(wctx, fg); err != nil {
			p.log.Warn("visibility not shared", logx.Err(err))
		}
	})
}
