package queue

import (
	"testing"
	"time"

	"tabnotify/internal/notification"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time           { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T, cfg Config) (*Engine, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg.Now = clk.Now
	return New(cfg), clk
}

func conv(t *testing.T, convID, msgID string, ts time.Time) *notification.Notification {
	t.Helper()
	n, err := notification.FromWhatsApp(&notification.RawWhatsApp{
		ConversationID: convID,
		Message: notification.RawMessage{
			ID: msgID, Direction: "inbound", From: "+1", Text: msgID, Timestamp: notification.At(ts),
		},
	})
	if err != nil {
		t.Fatalf("FromWhatsApp: %v", err)
	}
	return n
}

func sys(id string, critical bool) *notification.Notification {
	sev := notification.SeverityInfo
	if critical {
		sev = notification.SeverityCritical
	}
	return &notification.Notification{
		ID: id, Severity: sev, IsCritical: critical, Title: id,
		Timestamp: time.Unix(1, 0), Detail: &notification.SystemDetail{},
	}
}

func ids(ns []*notification.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func assertIDs(t *testing.T, got []*notification.Notification, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("visible = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("visible = %v, want %v", g, want)
		}
	}
}

func TestCriticalOrderedBeforeNonCritical(t *testing.T) {
	e, _ := newEngine(t, Config{})
	e.Add(sys("a", false))
	e.Add(sys("c1", true))
	e.Add(sys("b", false))
	e.Add(sys("c2", true))
	vis, changed := e.UpdateVisible(e.Dismissed(), nil)
	if !changed {
		t.Fatal("expected change")
	}
	assertIDs(t, vis, "c1", "c2", "a", "b")
}

func TestGroupingKeepsTimestampOrderWithoutDuplicates(t *testing.T) {
	e, _ := newEngine(t, Config{})
	base := time.Unix(10_000, 0)
	e.Add(conv(t, "c1", "m2", base.Add(2*time.Second)))
	res := e.Add(conv(t, "c1", "m1", base.Add(1*time.Second)))
	if res.Created || res.Ignored {
		t.Fatalf("expected merge, got %+v", res)
	}
	e.Add(conv(t, "c1", "m3", base.Add(3*time.Second)))
	if res := e.Add(conv(t, "c1", "m2", base.Add(2*time.Second))); !res.Ignored {
		t.Fatalf("duplicate message not ignored: %+v", res)
	}

	n, ok := e.GetNotification(notification.ConversationKey("c1"))
	if !ok {
		t.Fatal("group missing")
	}
	d := n.Conversation()
	want := []string{"m1", "m2", "m3"}
	if d.MessageCount != 3 || len(d.Messages) != 3 {
		t.Fatalf("count = %d messages = %d", d.MessageCount, len(d.Messages))
	}
	for i, id := range want {
		if d.Messages[i].ID != id {
			t.Fatalf("messages[%d] = %s, want %s", i, d.Messages[i].ID, id)
		}
	}
	if e.Len() != 1 {
		t.Fatalf("len = %d, want one slot", e.Len())
	}
}

func TestGroupResetBeyondWindowRequeues(t *testing.T) {
	e, _ := newEngine(t, Config{GroupWindow: time.Minute})
	base := time.Unix(10_000, 0)
	e.Add(conv(t, "c1", "m1", base))
	e.Add(sys("s", false))
	res := e.Add(conv(t, "c1", "m2", base.Add(2*time.Minute)))
	if !res.Reset {
		t.Fatalf("expected reset, got %+v", res)
	}
	n, _ := e.GetNotification(notification.ConversationKey("c1"))
	if got := n.Conversation().MessageCount; got != 1 {
		t.Fatalf("message count after reset = %d", got)
	}
	vis, _ := e.UpdateVisible(nil, nil)
	assertIDs(t, vis, "s", notification.ConversationKey("c1"))
}

func TestUpdateVisibleNoopReturnsPreviousSlice(t *testing.T) {
	e, _ := newEngine(t, Config{})
	base := time.Unix(10_000, 0)
	e.Add(conv(t, "c1", "m1", base))
	first, changed := e.UpdateVisible(nil, nil)
	if !changed {
		t.Fatal("first update must change")
	}
	again, changed := e.UpdateVisible(nil, nil)
	if changed || &again[0] != &first[0] {
		t.Fatal("unchanged update must return previous slice")
	}
	e.Add(conv(t, "c1", "m2", base.Add(time.Second)))
	updated, changed := e.UpdateVisible(nil, nil)
	if !changed {
		t.Fatal("merge must be reported as change")
	}
	if updated[0].Conversation().MessageCount != 2 {
		t.Fatalf("count = %d", updated[0].Conversation().MessageCount)
	}
}

func TestUpdateVisibleExcludesByIDAndGroupKey(t *testing.T) {
	e, _ := newEngine(t, Config{})
	e.Add(sys("s1", false))
	e.Add(sys("s2", false))
	e.Add(conv(t, "c1", "m1", time.Unix(5, 0)))
	dismissed := Set{}
	dismissed.Add("s1")
	muted := Set{}
	muted.Add(notification.ConversationKey("c1"))
	vis, _ := e.UpdateVisible(dismissed, muted)
	assertIDs(t, vis, "s2")
	if st, _ := e.State(notification.ConversationKey("c1")); st != StateQueued {
		t.Fatalf("state = %v", st)
	}
}

func TestMaxVisibleCap(t *testing.T) {
	e, _ := newEngine(t, Config{MaxVisible: 2})
	for _, id := range []string{"a", "b", "c"} {
		e.Add(sys(id, false))
	}
	vis, _ := e.UpdateVisible(nil, nil)
	assertIDs(t, vis, "a", "b")
	e.Dismiss("a")
	vis, _ = e.UpdateVisible(e.Dismissed(), nil)
	assertIDs(t, vis, "b", "c")
}

func TestMinVisibleDurationProtectsAgainstNonCriticalNewcomer(t *testing.T) {
	e, clk := newEngine(t, Config{MaxVisible: 1, MinVisibleDuration: 3 * time.Second, ReviveCooldown: time.Second})
	base := time.Unix(10_000, 0)
	bKey := notification.ConversationKey("b")
	e.Add(conv(t, "b", "m1", base))
	e.Add(sys("a", false))
	e.Dismiss(bKey)
	vis, _ := e.UpdateVisible(e.Dismissed(), nil)
	assertIDs(t, vis, "a")

	if res := e.Add(conv(t, "b", "m2", base.Add(time.Second))); !res.ReviveScheduled {
		t.Fatalf("expected revive, got %+v", res)
	}
	clk.Advance(time.Second)
	if got := e.Revive(clk.Now()); len(got) != 1 {
		t.Fatalf("revived = %v", got)
	}
	// b sits ahead of a in the queue but a was shown only 1s ago.
	vis, _ = e.UpdateVisible(e.Dismissed(), nil)
	assertIDs(t, vis, "a")

	clk.Advance(3 * time.Second)
	vis, _ = e.UpdateVisible(e.Dismissed(), nil)
	assertIDs(t, vis, bKey)
}

func TestCriticalNewcomerEvictsRecentCard(t *testing.T) {
	e, _ := newEngine(t, Config{MaxVisible: 1, MinVisibleDuration: time.Hour})
	e.Add(sys("a", false))
	e.UpdateVisible(nil, nil)
	e.Add(sys("crit", true))
	vis, _ := e.UpdateVisible(nil, nil)
	assertIDs(t, vis, "crit")
}

func TestInactivityExpiry(t *testing.T) {
	e, clk := newEngine(t, Config{InactivityTimeout: 15 * time.Second})
	e.Add(sys("idle", false))
	e.Add(sys("touched", false))
	e.Add(sys("crit", true))
	e.UpdateVisible(e.Dismissed(), nil)

	clk.Advance(10 * time.Second)
	e.Touch("touched")
	clk.Advance(6 * time.Second)
	res := e.Expire(clk.Now())
	if len(res.Idle) != 1 || res.Idle[0] != "idle" {
		t.Fatalf("idle = %v", res.Idle)
	}
	vis, _ := e.UpdateVisible(e.Dismissed(), nil)
	assertIDs(t, vis, "crit", "touched")
	if st, _ := e.State("idle"); st != StateExpired {
		t.Fatalf("state = %v", st)
	}
}

func TestReviveCooldownSingleRerender(t *testing.T) {
	e, clk := newEngine(t, Config{ReviveCooldown: time.Second})
	base := time.Unix(10_000, 0)
	key := notification.ConversationKey("c1")
	e.Add(conv(t, "c1", "m1", base))
	e.UpdateVisible(e.Dismissed(), nil)
	e.Dismiss(key)
	if vis, changed := e.UpdateVisible(e.Dismissed(), nil); !changed || len(vis) != 0 {
		t.Fatalf("dismiss not applied: %v", ids(vis))
	}

	clk.Advance(200 * time.Millisecond)
	if res := e.Add(conv(t, "c1", "m2", base.Add(time.Second))); !res.ReviveScheduled {
		t.Fatalf("first message must arm revive: %+v", res)
	}
	clk.Advance(300 * time.Millisecond)
	if res := e.Add(conv(t, "c1", "m3", base.Add(2*time.Second))); res.ReviveScheduled {
		t.Fatal("second message inside cooldown armed another revive")
	}
	if _, changed := e.UpdateVisible(e.Dismissed(), nil); changed {
		t.Fatal("data update inside cooldown must not re-render")
	}
	if e.PendingRevives() != 1 {
		t.Fatalf("pending revives = %d", e.PendingRevives())
	}

	clk.Advance(400 * time.Millisecond)
	if got := e.Revive(clk.Now()); len(got) != 0 {
		t.Fatalf("revived early: %v", got)
	}
	clk.Advance(100 * time.Millisecond)
	if got := e.Revive(clk.Now()); len(got) != 1 {
		t.Fatalf("revived = %v", got)
	}
	renders := 0
	for i := 0; i < 3; i++ {
		e.Revive(clk.Now())
		if _, changed := e.UpdateVisible(e.Dismissed(), nil); changed {
			renders++
		}
	}
	if renders != 1 {
		t.Fatalf("renders = %d, want 1", renders)
	}
	vis := e.GetVisible()
	if len(vis) != 1 || vis[0].Conversation().MessageCount != 3 {
		t.Fatalf("visible = %v", ids(vis))
	}
}

func TestOlderMessageLeavesDismissedGroupDismissed(t *testing.T) {
	e, clk := newEngine(t, Config{ReviveCooldown: time.Second})
	base := time.Unix(10_000, 0)
	key := notification.ConversationKey("c1")
	e.Add(conv(t, "c1", "m2", base))
	e.UpdateVisible(e.Dismissed(), nil)
	e.Dismiss(key)
	e.UpdateVisible(e.Dismissed(), nil)

	res := e.Add(conv(t, "c1", "m1", base.Add(-time.Minute)))
	if res.ReviveScheduled || res.Ignored {
		t.Fatalf("late message result = %+v", res)
	}
	clk.Advance(2 * time.Second)
	if got := e.Revive(clk.Now()); len(got) != 0 {
		t.Fatalf("older message revived %v", got)
	}
	if vis, _ := e.UpdateVisible(e.Dismissed(), nil); len(vis) != 0 {
		t.Fatalf("visible = %v", ids(vis))
	}
	n, ok := e.GetNotification(key)
	if !ok || n.Conversation().MessageCount != 2 {
		t.Fatal("late message not merged into the dismissed group")
	}

	if res := e.Add(conv(t, "c1", "m3", base.Add(time.Second))); !res.ReviveScheduled {
		t.Fatalf("newer message must still arm revive: %+v", res)
	}
}

func TestSystemExpiryRemovesEntry(t *testing.T) {
	e, clk := newEngine(t, Config{})
	n := sys("s1", false)
	n.Detail = &notification.SystemDetail{ExpiresAt: clk.Now().Add(time.Minute)}
	e.Add(n)
	if res := e.Expire(clk.Now()); len(res.Outdated) != 0 {
		t.Fatalf("expired early: %v", res.Outdated)
	}
	clk.Advance(time.Minute)
	res := e.Expire(clk.Now())
	if len(res.Outdated) != 1 || e.Len() != 0 {
		t.Fatalf("outdated = %v len = %d", res.Outdated, e.Len())
	}
}

func TestSweepDropsOldDismissals(t *testing.T) {
	e, clk := newEngine(t, Config{DismissedTTL: time.Minute})
	e.Add(sys("a", false))
	e.Add(sys("b", false))
	e.Dismiss("a")
	clk.Advance(2 * time.Minute)
	if n := e.Sweep(clk.Now()); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if _, ok := e.GetNotification("a"); ok {
		t.Fatal("dismissed entry not collected")
	}
	if e.Len() != 1 || len(e.Dismissed()) != 0 {
		t.Fatalf("len = %d dismissed = %d", e.Len(), len(e.Dismissed()))
	}
}

func TestRemoveWhere(t *testing.T) {
	e, _ := newEngine(t, Config{})
	e.Add(sys("s", false))
	e.Add(conv(t, "c1", "m", time.Unix(1, 0)))
	e.Add(conv(t, "c2", "m", time.Unix(1, 0)))
	got := e.RemoveWhere(func(n *notification.Notification) bool { return n.Source() == notification.SourceWhatsApp })
	if len(got) != 2 || e.Len() != 1 {
		t.Fatalf("removed = %v len = %d", got, e.Len())
	}
	if !e.Remove("s") || e.Remove("s") {
		t.Fatal("Remove must report presence")
	}
}
