package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tabnotify/internal/crosstab"
	"tabnotify/internal/effects"
	"tabnotify/internal/eventbus"
	"tabnotify/internal/notification"
	"tabnotify/internal/queue"
	"tabnotify/internal/storage"
	"tabnotify/internal/transport/telegram"
	logx "tabnotify/pkg/logx"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeAcker struct{ acks []string }

func (a *fakeAcker) Ack(id string) error {
	a.acks = append(a.acks, id)
	return nil
}

// fakeEffects runs effects inline when run is set, otherwise records them.
type fakeEffects struct {
	run  bool
	seen []effects.Effect
}

func (f *fakeEffects) Submit(e effects.Effect) error {
	f.seen = append(f.seen, e)
	if !f.run {
		return nil
	}
	err := e.Run(context.Background())
	if e.Done != nil {
		e.Done(err)
	}
	return nil
}

func (f *fakeEffects) names() []string {
	out := make([]string, 0, len(f.seen))
	for _, e := range f.seen {
		out = append(out, e.Name)
	}
	return out
}

type fakeAPI struct {
	missed    []notification.RawSystem
	fetchErr  error
	archived  []string
	sinceSeen []time.Time
	read      []string
}

func (a *fakeAPI) MarkSystemRead(_ context.Context, id string) error {
	a.read = append(a.read, "system:"+id)
	return nil
}
func (a *fakeAPI) MarkConversationRead(_ context.Context, id string) error {
	a.read = append(a.read, "conversation:"+id)
	return nil
}
func (a *fakeAPI) ClearConversationCounters(context.Context, string) error { return nil }
func (a *fakeAPI) FetchArchived(context.Context) ([]string, error)        { return a.archived, nil }
func (a *fakeAPI) FetchMissedSystem(_ context.Context, since time.Time) ([]notification.RawSystem, error) {
	a.sinceSeen = append(a.sinceSeen, since)
	return a.missed, a.fetchErr
}

type fakeOS struct {
	granted bool
	sent    []telegram.Message
}

func (o *fakeOS) Granted() bool { return o.granted }
func (o *fakeOS) Notify(_ context.Context, m telegram.Message) error {
	o.sent = append(o.sent, m)
	return nil
}

type harness struct {
	p      *Pipeline
	clk    *clock
	acker  *fakeAcker
	fx     *fakeEffects
	api    *fakeAPI
	events <-chan eventbus.Event
	hub    *crosstab.Hub
}

func newHarness(t *testing.T, mod func(*Config, *Deps)) *harness {
	t.Helper()
	clk := &clock{t: time.Now().Truncate(time.Millisecond)}
	hub := crosstab.NewHub()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1024)
	t.Cleanup(unsub)

	h := &harness{clk: clk, acker: &fakeAcker{}, fx: &fakeEffects{}, api: &fakeAPI{}, events: events, hub: hub}
	cfg := Config{
		Queue: queue.Config{
			MaxVisible:         5,
			MinVisibleDuration: 3 * time.Second,
			ReviveCooldown:     time.Second,
		},
		BatchWindow: 50 * time.Millisecond,
		Now:         clk.Now,
	}
	deps := Deps{
		Recipient: notification.Recipient{UserID: "u1", Role: "Sales", Locations: []string{"Jakarta"}},
		Coordinator: crosstab.NewCoordinator(
			crosstab.NewMemory(hub, "tab-a"),
			crosstab.Config{TabID: "tab-a", Now: clk.Now},
			logx.Nop(),
		),
		Acker:   h.acker,
		Effects: h.fx,
		API:     h.api,
		Bus:     bus,
	}
	if mod != nil {
		mod(&cfg, &deps)
	}
	h.p = New(cfg, deps)
	return h
}

// settle lets the micro-batch window pass and runs one visibility tick.
func (h *harness) settle() {
	h.clk.Advance(60 * time.Millisecond)
	h.p.tickVisibility()
}

func (h *harness) visibleIDs() []string {
	var out []string
	for _, n := range h.p.queue.GetVisible() {
		out = append(out, n.ID)
	}
	return out
}

func (h *harness) count(typ string) int {
	n := 0
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func system(id, typ string, created time.Time, target *notification.Target) *notification.RawSystem {
	return &notification.RawSystem{
		ID:        id,
		Type:      typ,
		Title:     "Maintenance " + id,
		Message:   "Planned downtime",
		CreatedAt: notification.At(created),
		Target:    target,
	}
}

func message(conv, msgID, delivery string, ts time.Time) *notification.RawWhatsApp {
	return &notification.RawWhatsApp{
		ConversationID:  conv,
		DeliveryID:      delivery,
		BusinessPhoneID: "bp-1",
		Message: notification.RawMessage{
			ID:         msgID,
			Direction:  "inbound",
			From:       "628111000",
			SenderName: "Budi",
			Type:       "text",
			Text:       "halo " + msgID,
			Timestamp:  notification.At(ts),
		},
	}
}

func TestSystemBroadcastShownOnceAndStaleRedeliveryDropped(t *testing.T) {
	h := newHarness(t, nil)
	t0 := h.clk.Now()

	h.p.receiveSystem(system("n1", "info", t0, &notification.Target{AllUsers: true}))
	h.settle()
	if got := h.visibleIDs(); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("visible = %v", got)
	}
	if !h.p.replay.Watermark().Equal(t0) {
		t.Fatalf("watermark = %v, want %v", h.p.replay.Watermark(), t0)
	}

	h.p.receiveSystem(system("n1", "info", t0.Add(-time.Second), &notification.Target{AllUsers: true}))
	if h.p.batch.Len() != 0 {
		t.Fatal("stale redelivery reached the micro-batch")
	}
	h.settle()
	if h.p.queue.Len() != 1 || h.count(eventbus.TypeDuplicate) != 1 {
		t.Fatalf("len=%d", h.p.queue.Len())
	}
}

func TestSystemTargeting(t *testing.T) {
	cases := []struct {
		name   string
		target *notification.Target
		want   bool
	}{
		{"all users", &notification.Target{AllUsers: true}, true},
		{"role match", &notification.Target{Roles: []string{"sales"}}, true},
		{"location match", &notification.Target{Locations: []string{"Jakarta"}}, true},
		{"other role", &notification.Target{Roles: []string{"Finance"}}, false},
		{"nil target", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.p.receiveSystem(system("s", "info", h.clk.Now(), tc.target))
			h.settle()
			if got := len(h.visibleIDs()) == 1; got != tc.want {
				t.Fatalf("visible=%v want %v", got, tc.want)
			}
		})
	}
}

func TestExpiredBroadcastSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	r := system("old", "info", h.clk.Now().Add(-time.Hour), nil)
	r.ExpiresAt = notification.At(h.clk.Now().Add(-time.Minute))
	h.p.receiveSystem(r)
	h.settle()
	if h.p.queue.Len() != 0 || h.count(eventbus.TypeSuppressed) != 1 {
		t.Fatal("expired broadcast was queued")
	}
}

func TestLastReadSuppressesOlderMessages(t *testing.T) {
	h := newHarness(t, nil)
	read := h.clk.Now()
	if err := h.p.coord.MarkRead(context.Background(), "c1", read); err != nil {
		t.Fatal(err)
	}

	h.p.receiveWhatsApp(message("c1", "m-old", "d1", read.Add(-1000*time.Millisecond)))
	h.settle()
	if len(h.visibleIDs()) != 0 {
		t.Fatal("message older than last read was shown")
	}

	h.p.receiveWhatsApp(message("c1", "m-new", "d2", read.Add(1000*time.Millisecond)))
	h.settle()
	if got := h.visibleIDs(); len(got) != 1 || got[0] != "whatsapp:c1" {
		t.Fatalf("visible = %v", got)
	}
}

func TestDeliveryPresentedAtMostOnce(t *testing.T) {
	h := newHarness(t, nil)
	ts := h.clk.Now()

	h.p.receiveWhatsApp(message("c1", "m1", "d1", ts))
	h.p.receiveWhatsApp(message("c1", "m1-retry", "d1", ts.Add(time.Second)))
	h.settle()

	n, ok := h.p.queue.GetNotification("whatsapp:c1")
	if !ok || n.Conversation().MessageCount != 1 {
		t.Fatalf("card = %+v", n)
	}
	// Both deliveries are acknowledged so the server stops redelivering.
	if len(h.acker.acks) != 2 || h.acker.acks[0] != "d1" || h.acker.acks[1] != "d1" {
		t.Fatalf("acks = %v", h.acker.acks)
	}
}

func TestSeenKeysSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	open := func() storage.Store {
		st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatal(err)
		}
		return st
	}

	st := open()
	h := newHarness(t, func(_ *Config, d *Deps) { d.Store = st })
	h.p.receiveWhatsApp(message("c1", "m1", "d1", h.clk.Now()))
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st = open()
	t.Cleanup(func() { _ = st.Close() })
	h2 := newHarness(t, func(_ *Config, d *Deps) { d.Store = st })
	if err := h2.p.Preload(context.Background()); err != nil {
		t.Fatal(err)
	}
	h2.p.receiveWhatsApp(message("c1", "m1", "d1", h2.clk.Now()))
	h2.settle()
	if h2.p.queue.Len() != 0 {
		t.Fatal("delivery seen before restart was presented again")
	}
}

func TestActiveViewSuppressionStillRecorded(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := crosstab.NewMemory(h.hub, "tab-a").Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}

	other := crosstab.NewCoordinator(crosstab.NewMemory(h.hub, "tab-b"), crosstab.Config{TabID: "tab-b", Now: h.clk.Now}, logx.Nop())
	if err := other.SetActive(ctx, "c1", true); err != nil {
		t.Fatal(err)
	}
	h.p.applyChange(<-changes)

	ts := h.clk.Now().Add(time.Second)
	h.p.receiveWhatsApp(message("c1", "m1", "d1", ts))
	h.settle()

	if len(h.visibleIDs()) != 0 {
		t.Fatal("message for the active conversation was shown")
	}
	if !h.p.recency.Seen("delivery:d1") || len(h.acker.acks) != 1 {
		t.Fatal("suppressed delivery was not recorded as seen")
	}
	if lr, ok := h.p.coord.LastRead("c1"); !ok || !lr.Equal(ts) {
		t.Fatalf("last read = %v %v", lr, ok)
	}

	// A redelivery after the view closed is still a duplicate.
	h.p.receiveWhatsApp(message("c1", "m1", "d1", ts))
	if h.p.batch.Len() != 0 {
		t.Fatal("redelivery reached the micro-batch")
	}
}

func TestCriticalShownBeforeNonCritical(t *testing.T) {
	h := newHarness(t, nil)
	t0 := h.clk.Now()
	h.p.receiveSystem(system("a", "info", t0, nil))
	h.p.receiveSystem(system("b", "warning", t0.Add(time.Millisecond), nil))
	h.p.receiveSystem(system("c1", "critical", t0.Add(2*time.Millisecond), nil))
	h.p.receiveSystem(system("c2", "critical", t0.Add(3*time.Millisecond), nil))
	h.settle()

	want := []string{"c1", "c2", "a", "b"}
	got := h.visibleIDs()
	if len(got) != len(want) {
		t.Fatalf("visible = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visible = %v, want %v", got, want)
		}
	}
}

func TestGroupedMessagesOrderedAndUnique(t *testing.T) {
	h := newHarness(t, nil)
	t0 := h.clk.Now()
	h.p.receiveWhatsApp(message("c1", "m2", "d2", t0.Add(2*time.Second)))
	h.p.receiveWhatsApp(message("c1", "m1", "d1", t0.Add(time.Second)))
	h.p.receiveWhatsApp(message("c1", "m3", "d3", t0.Add(3*time.Second)))
	h.settle()

	n, ok := h.p.queue.GetNotification("whatsapp:c1")
	if !ok {
		t.Fatal("card missing")
	}
	msgs := n.Conversation().Messages
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[1].ID != "m2" || msgs[2].ID != "m3" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestReviveRendersOnceAfterCooldown(t *testing.T) {
	h := newHarness(t, nil)
	t0 := h.clk.Now()
	h.p.receiveWhatsApp(message("c1", "m1", "d1", t0))
	h.settle()
	if err := h.p.dismiss("whatsapp:c1"); err != nil {
		t.Fatal(err)
	}
	h.count(eventbus.TypeShown)

	h.p.receiveWhatsApp(message("c1", "m2", "d2", t0.Add(time.Second)))
	h.settle()
	h.p.receiveWhatsApp(message("c1", "m3", "d3", t0.Add(2*time.Second)))
	h.settle()
	if len(h.visibleIDs()) != 0 {
		t.Fatal("dismissed card shown inside cooldown")
	}

	h.clk.Advance(time.Second)
	h.p.tickVisibility()
	h.p.tickVisibility()
	if got := h.visibleIDs(); len(got) != 1 {
		t.Fatalf("visible = %v", got)
	}
	if shown := h.count(eventbus.TypeShown); shown != 1 {
		t.Fatalf("shown %d times", shown)
	}
	n, _ := h.p.queue.GetNotification("whatsapp:c1")
	if n.Conversation().MessageCount != 3 {
		t.Fatalf("count = %d", n.Conversation().MessageCount)
	}
}

func TestMuteRemovesCardAndSuppressesFuture(t *testing.T) {
	h := newHarness(t, nil)
	h.p.receiveWhatsApp(message("c1", "m1", "d1", h.clk.Now()))
	h.settle()

	if err := h.p.mute("whatsapp:c1"); err != nil {
		t.Fatal(err)
	}
	if h.p.queue.Len() != 0 {
		t.Fatal("muted card kept")
	}
	h.p.receiveWhatsApp(message("c1", "m2", "d2", h.clk.Now().Add(time.Second)))
	h.settle()
	if len(h.visibleIDs()) != 0 {
		t.Fatal("muted conversation shown")
	}
	if err := h.p.mute("n1"); !errors.Is(err, ErrNotConversation) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenMarksReadAndSetsActive(t *testing.T) {
	h := newHarness(t, nil)
	ts := h.clk.Now()
	h.p.receiveWhatsApp(message("c1", "m1", "d1", ts))
	h.settle()

	if err := h.p.open("whatsapp:c1"); err != nil {
		t.Fatal(err)
	}
	if h.p.queue.Len() != 0 {
		t.Fatal("opened card kept")
	}
	if a := h.p.coord.Active(); a.ConversationID != "c1" || a.TabID != "tab-a" || !a.Visible {
		t.Fatalf("active = %+v", a)
	}
	names := h.fx.names()
	if len(names) != 1 || names[0] != "rest.mark_conversation_read" {
		t.Fatalf("effects = %v", names)
	}
}

func TestSiblingChangeRefilters(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.p.Loop().Run(ctx)
	changes, err := crosstab.NewMemory(h.hub, "tab-a").Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = h.p.forwardChanges(ctx, changes) }()

	t0 := h.clk.Now()
	if err := h.p.loop.Do(ctx, func() {
		h.p.receiveWhatsApp(message("c1", "m1", "d1", t0))
		h.p.receiveWhatsApp(message("c2", "m1", "d2", t0))
		h.settle()
	}); err != nil {
		t.Fatal(err)
	}

	other := crosstab.NewCoordinator(crosstab.NewMemory(h.hub, "tab-b"), crosstab.Config{TabID: "tab-b", Now: h.clk.Now}, logx.Nop())
	if err := other.MarkRead(ctx, "c1", t0); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := h.p.Snapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Visible) == 1 && snap.Visible[0].ID == "whatsapp:c2" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("visible = %d cards", len(snap.Visible))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectReplaysMissedSystem(t *testing.T) {
	h := newHarness(t, nil)
	h.fx.run = true
	t0 := h.clk.Now()
	h.p.receiveSystem(system("n1", "info", t0, nil))
	h.settle()

	h.api.missed = []notification.RawSystem{
		*system("n3", "info", t0.Add(2*time.Second), nil),
		*system("n2", "info", t0.Add(time.Second), nil),
	}
	h.p.connectedNow(true)
	h.p.loop.drain()
	h.settle()

	if len(h.api.sinceSeen) != 1 || !h.api.sinceSeen[0].Equal(t0) {
		t.Fatalf("since = %v", h.api.sinceSeen)
	}
	if got := h.visibleIDs(); len(got) != 3 {
		t.Fatalf("visible = %v", got)
	}
	if !h.p.replay.Watermark().Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("watermark = %v", h.p.replay.Watermark())
	}
	if h.count(eventbus.TypeReplayFetched) != 1 {
		t.Fatal("replay not reported")
	}
}

func TestFailedReplayKeepsWatermark(t *testing.T) {
	h := newHarness(t, nil)
	h.fx.run = true
	t0 := h.clk.Now()
	h.p.receiveSystem(system("n1", "info", t0, nil))
	h.settle()

	h.api.fetchErr = errors.New("503")
	h.p.connectedNow(true)
	h.p.loop.drain()
	if !h.p.replay.Watermark().Equal(t0) {
		t.Fatalf("watermark moved to %v", h.p.replay.Watermark())
	}
	if h.count(eventbus.TypeReplayFailed) != 1 {
		t.Fatal("failure not reported")
	}
}

func TestReconnectSurvivesSaturatedLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.fx.run = true
	t0 := h.clk.Now()
	h.p.receiveSystem(system("n1", "info", t0, nil))
	h.settle()
	h.api.missed = []notification.RawSystem{*system("n2", "info", t0.Add(time.Second), nil)}

	filled := 0
	for h.p.loop.TryPost(func() {}) {
		filled++
	}
	if filled == 0 {
		t.Fatal("loop accepted no jobs")
	}
	h.p.OnDisconnect(nil)
	h.p.OnConnect(true)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.api.sinceSeen) == 0 || !h.p.connected {
		if time.Now().After(deadline) {
			t.Fatalf("reconnect lost: since=%v connected=%v", h.api.sinceSeen, h.p.connected)
		}
		h.p.loop.drain()
		time.Sleep(5 * time.Millisecond)
	}
	h.settle()
	if got := h.visibleIDs(); len(got) != 2 {
		t.Fatalf("visible = %v", got)
	}
}

func TestFirstConnectDoesNotReplay(t *testing.T) {
	h := newHarness(t, nil)
	h.p.connectedNow(false)
	names := h.fx.names()
	if len(names) != 1 || names[0] != "rest.fetch_archived" {
		t.Fatalf("effects = %v", names)
	}
}

func TestBackgroundTabRaisesOSNotification(t *testing.T) {
	os := &fakeOS{granted: true}
	h := newHarness(t, func(c *Config, d *Deps) {
		c.Headless = true
		d.OS = os
	})
	h.fx.run = true
	h.p.receiveWhatsApp(message("c1", "m1", "d1", h.clk.Now()))
	if len(os.sent) != 1 || os.sent[0].ConversationID != "c1" {
		t.Fatalf("sent = %+v", os.sent)
	}

	fg := newHarness(t, func(_ *Config, d *Deps) { d.OS = os })
	fg.fx.run = true
	fg.p.receiveWhatsApp(message("c2", "m1", "d9", fg.clk.Now()))
	if len(os.sent) != 1 {
		t.Fatal("foreground tab raised an OS notification")
	}
}

func TestOutboundAndForeignMessagesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	out := message("c1", "m1", "d1", h.clk.Now())
	out.Message.Direction = "outbound"
	foreign := message("c2", "m1", "d2", h.clk.Now())
	foreign.UserID = "someone-else"

	h.p.receiveWhatsApp(out)
	h.p.receiveWhatsApp(foreign)
	h.settle()
	if h.p.queue.Len() != 0 {
		t.Fatal("ignored messages were queued")
	}
	if len(h.acker.acks) != 2 {
		t.Fatalf("acks = %v", h.acker.acks)
	}
}

func TestIdentitylessEventRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.p.receiveWhatsApp(&notification.RawWhatsApp{Message: notification.RawMessage{Text: "?"}})
	h.p.receiveSystem(&notification.RawSystem{Title: "no id"})
	if h.count(eventbus.TypeRejected) != 2 {
		t.Fatal("identity-less events not rejected")
	}
}

func TestClearedRemovesCards(t *testing.T) {
	h := newHarness(t, nil)
	t0 := h.clk.Now()
	h.p.receiveWhatsApp(message("c1", "m1", "d1", t0))
	h.p.receiveWhatsApp(message("c2", "m1", "d2", t0))
	h.p.receiveSystem(system("n1", "info", t0, nil))
	h.settle()

	h.p.cleared(notification.SourceWhatsApp, notification.Cleared{ConversationID: "c1"})
	if _, ok := h.p.stateOf("whatsapp:c1"); ok {
		t.Fatal("cleared conversation kept")
	}
	h.p.cleared(notification.SourceWhatsApp, notification.Cleared{ClearedAll: true})
	if got := h.visibleIDs(); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("visible = %v", got)
	}
}

func TestFlushPublishesOnlyWhenDirty(t *testing.T) {
	h := newHarness(t, nil)
	ch, unsub := h.p.Subscribe()
	defer unsub()

	h.p.receiveSystem(system("n1", "info", h.clk.Now(), nil))
	h.settle()
	if !h.p.flush() {
		t.Fatal("dirty state not flushed")
	}
	if h.p.flush() {
		t.Fatal("clean state flushed")
	}
	snap := <-ch
	if len(snap.Visible) != 1 || snap.Version != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestLoopSurvivesPanicAndStops(t *testing.T) {
	l := NewLoop(4, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)

	if err := l.Do(ctx, func() { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	ran := false
	if err := l.Do(ctx, func() { ran = true }); err != nil || !ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}
	cancel()
	<-l.Done()
	if err := l.Post(context.Background(), func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("err = %v", err)
	}
}
