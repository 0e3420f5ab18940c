package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"tabnotify/internal/crosstab"
	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	"tabnotify/internal/transport/realtime"
	"tabnotify/internal/transport/telegram"
	logx "tabnotify/pkg/logx"
)

// Suppression reasons carried on notification.suppressed events.
const (
	ReasonTarget       = "target"
	ReasonExpired      = "expired"
	ReasonOutbound     = "outbound"
	ReasonNotAddressed = "not-addressed"
	ReasonIdentity     = "identity"
	ReasonStale        = "stale"
	ReasonGrouped      = "grouped"
)

// HandleFrame posts a realtime frame to the loop. It is the OnFrame hook of
// the realtime client and blocks while the loop is saturated.
func (p *Pipeline) HandleFrame(ctx context.Context, f realtime.Frame) error {
	return p.loop.Post(ctx, func() { p.dispatch(f) })
}

func (p *Pipeline) dispatch(f realtime.Frame) {
	switch f.Event {
	case realtime.EventSystem:
		var ev notification.SystemEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			p.rejectFrame(f.Event, notification.SourceSystem, err)
			return
		}
		p.receiveSystem(ev.Notification)
	case realtime.EventWhatsApp:
		var m notification.RawWhatsApp
		if err := json.Unmarshal(f.Data, &m); err != nil {
			p.rejectFrame(f.Event, notification.SourceWhatsApp, err)
			return
		}
		p.receiveWhatsApp(&m)
	case realtime.EventWhatsAppCleared, realtime.EventSystemCleared:
		var c notification.Cleared
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &c); err != nil {
				p.rejectFrame(f.Event, "", err)
				return
			}
		}
		src := notification.SourceWhatsApp
		if f.Event == realtime.EventSystemCleared {
			src = notification.SourceSystem
		}
		p.cleared(src, c)
	default:
		p.log.Trace("frame ignored", logx.String("event", f.Event))
	}
}

func (p *Pipeline) rejectFrame(event string, src notification.Source, err error) {
	p.log.Warn("malformed frame", logx.String("event", event), logx.Err(err))
	p.noticeID(eventbus.TypeRejected, "", src, fmt.Errorf("%w: %v", notification.ErrMalformed, err).Error())
}

func (p *Pipeline) reject(id string, src notification.Source, err error) {
	lvl := p.log.Warn
	if errors.Is(err, notification.ErrNoIdentity) {
		lvl = p.log.Info
	}
	lvl("notification rejected", logx.String("id", id), logx.String("source", string(src)), logx.Err(err))
	p.noticeID(eventbus.TypeRejected, id, src, err.Error())
}

// receiveSystem runs a system broadcast through eligibility, dedup and rate
// limiting into the micro-batch. Replayed broadcasts take the same path.
func (p *Pipeline) receiveSystem(r *notification.RawSystem) {
	now := p.now()
	if err := r.Validate(); err != nil {
		id := ""
		if r != nil {
			id = r.ID
		}
		p.reject(id, notification.SourceSystem, err)
		return
	}
	p.noticeID(eventbus.TypeReceived, r.ID, notification.SourceSystem, "")

	if !p.recipient.EligibleSystem(r, now) {
		reason := ReasonTarget
		if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt.Time) {
			reason = ReasonExpired
		}
		p.noticeID(eventbus.TypeSuppressed, r.ID, notification.SourceSystem, reason)
		return
	}

	n, err := notification.FromSystem(r, now)
	if err != nil {
		p.reject(r.ID, notification.SourceSystem, err)
		return
	}
	if p.dedup.ShouldDropAt(n.ID, n.Timestamp, now) {
		p.notice(eventbus.TypeDuplicate, n, ReasonStale)
		return
	}
	if p.limiter.ShouldThrottle(string(notification.SourceSystem), n.ID) {
		p.log.Debug("system notification throttled", logx.String("id", n.ID))
		p.notice(eventbus.TypeThrottled, n, "")
		return
	}
	p.batch.Add(n, now)
	p.dirty = true
}

// receiveWhatsApp runs the identity guard first: a delivery already seen is
// re-acknowledged and dropped before anything else looks at it.
func (p *Pipeline) receiveWhatsApp(m *notification.RawWhatsApp) {
	now := p.now()
	if err := m.Validate(); err != nil {
		p.reject("", notification.SourceWhatsApp, err)
		return
	}
	keys, err := m.IdentityKeys()
	if err != nil {
		p.reject(notification.ConversationKey(m.ConversationID), notification.SourceWhatsApp, err)
		return
	}
	key := notification.ConversationKey(m.ConversationID)

	for _, k := range keys {
		if p.recency.Seen(k) {
			p.ack(m.DeliveryID)
			p.noticeID(eventbus.TypeDuplicate, key, notification.SourceWhatsApp, ReasonIdentity)
			return
		}
	}
	p.markSeen(keys, now)
	p.ack(m.DeliveryID)
	p.noticeID(eventbus.TypeReceived, key, notification.SourceWhatsApp, "")

	if !m.IsInbound() {
		p.noticeID(eventbus.TypeSuppressed, key, notification.SourceWhatsApp, ReasonOutbound)
		return
	}
	if !p.recipient.Addressed(m) {
		p.noticeID(eventbus.TypeSuppressed, key, notification.SourceWhatsApp, ReasonNotAddressed)
		return
	}

	ts := m.MessageTime()
	switch v := p.coord.Eligible(m.ConversationID, ts); v {
	case crosstab.Eligible:
	case crosstab.SuppressedActive:
		p.markReadShared(m.ConversationID, ts)
		p.noticeID(eventbus.TypeSuppressed, key, notification.SourceWhatsApp, v.String())
		return
	default:
		p.noticeID(eventbus.TypeSuppressed, key, notification.SourceWhatsApp, v.String())
		return
	}

	if p.dedup.ShouldDropAt(key+"#"+m.MessageID(), ts, now) {
		p.noticeID(eventbus.TypeDuplicate, key, notification.SourceWhatsApp, ReasonStale)
		return
	}
	if p.limiter.ShouldThrottle(string(notification.SourceWhatsApp), key) {
		p.log.Debug("conversation message throttled", logx.String("conversation", m.ConversationID))
		p.noticeID(eventbus.TypeThrottled, key, notification.SourceWhatsApp, "")
		return
	}

	n, err := notification.FromWhatsApp(m)
	if err != nil {
		p.reject(key, notification.SourceWhatsApp, err)
		return
	}
	p.batch.Add(n, now)
	p.dirty = true
	p.notifyOS(n)
}

// markSeen records identity keys in memory and, best effort, in storage.
func (p *Pipeline) markSeen(keys []string, now time.Time) {
	for _, k := range keys {
		p.recency.Add(k)
	}
	if p.store == nil {
		return
	}
	ctx, cancel := p.storeCtx()
	defer cancel()
	for _, k := range keys {
		if err := p.store.PutSeen(ctx, k, now); err != nil {
			p.log.Warn("seen key not persisted", logx.String("key", k), logx.Err(err))
			return
		}
	}
}

func (p *Pipeline) ack(deliveryID string) {
	if deliveryID == "" || p.acker == nil {
		return
	}
	if err := p.acker.Ack(deliveryID); err != nil {
		p.log.Debug("ack not sent", logx.String("delivery_id", deliveryID), logx.Err(err))
	}
}

func (p *Pipeline) markReadShared(conversationID string, at time.Time) {
	ctx, cancel := p.storeCtx()
	defer cancel()
	if err := p.coord.MarkRead(ctx, conversationID, at); err != nil {
		p.log.Warn("last-read not shared", logx.String("conversation", conversationID), logx.Err(err))
	}
}

// notifyOS raises the out-of-tab notification for a background tab.
func (p *Pipeline) notifyOS(n *notification.Notification) {
	if p.foreground || p.os == nil || !p.os.Granted() {
		return
	}
	c := n.Conversation()
	if c == nil {
		return
	}
	msg := telegram.Message{ConversationID: c.ConversationID, Title: n.Title, Body: n.Message}
	osn := p.os
	p.submit(effects.Effect{
		Name: "os.notify",
		Key:  "os:" + n.ID + "#" + c.LastMessageID,
		Run:  func(ctx context.Context) error { return osn.Notify(ctx, msg) },
	})
}

// release moves a finished micro-batch into the queue.
func (p *Pipeline) release(batch []*notification.Notification) {
	for _, n := range batch {
		if c := n.Conversation(); c != nil {
			// Mute or archive may have landed while the batch was open.
			if p.coord.IsMuted(c.ConversationID) {
				p.notice(eventbus.TypeSuppressed, n, crosstab.SuppressedMuted.String())
				continue
			}
			if p.coord.IsArchived(c.ConversationID) {
				p.notice(eventbus.TypeSuppressed, n, crosstab.SuppressedArchived.String())
				continue
			}
		}
		res := p.queue.Add(n)
		switch {
		case res.Ignored:
			p.notice(eventbus.TypeDuplicate, n, ReasonGrouped)
			continue
		case res.Created:
			p.notice(eventbus.TypeQueued, n, "")
		default:
			p.notice(eventbus.TypeMerged, n, "")
		}
		if n.System() != nil {
			p.replay.Advance(n.Timestamp)
		}
	}
	p.refresh()
}

// cleared handles a server-side clear of one or all notifications of src.
func (p *Pipeline) cleared(src notification.Source, c notification.Cleared) {
	var removed []string
	switch {
	case c.ClearedAll:
		removed = p.queue.RemoveWhere(func(n *notification.Notification) bool { return n.Source() == src })
	case src == notification.SourceWhatsApp && c.ConversationID != "":
		if key := notification.ConversationKey(c.ConversationID); p.queue.Remove(key) {
			removed = append(removed, key)
		}
	case src == notification.SourceSystem && c.NotificationID != "":
		if p.queue.Remove(c.NotificationID) {
			removed = append(removed, c.NotificationID)
		}
	}
	for _, id := range removed {
		p.noticeID(eventbus.TypeRemoved, id, src, "cleared")
	}
	if len(removed) > 0 {
		p.refresh()
	}
}

// replayed injects system notifications fetched after a reconnect, oldest first.
func (p *Pipeline) replayed(since time.Time, list []notification.RawSystem) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt.Time) })
	for i := range list {
		p.receiveSystem(&list[i])
	}
	p.log.Info("missed system notifications replayed", logx.Time("since", since), logx.Int("count", len(list)))
	eventbus.Publish(p.bus, eventbus.TypeReplayFetched, eventbus.Replay{Since: since, Count: len(list)})
}
