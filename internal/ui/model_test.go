package ui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tabnotify/internal/notification"
	"tabnotify/internal/pipeline"
)

type fakeCtl struct {
	mu    sync.Mutex
	calls []string
	ch    chan pipeline.Snapshot
}

func newFakeCtl() *fakeCtl { return &fakeCtl{ch: make(chan pipeline.Snapshot, 1)} }

func (f *fakeCtl) record(s string) error {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeCtl) Subscribe() (<-chan pipeline.Snapshot, func()) { return f.ch, func() {} }
func (f *fakeCtl) Dismiss(_ context.Context, id string) error  { return f.record("dismiss " + id) }
func (f *fakeCtl) Mute(_ context.Context, id string) error     { return f.record("mute " + id) }
func (f *fakeCtl) Unmute(_ context.Context, id string) error   { return f.record("unmute " + id) }
func (f *fakeCtl) Open(_ context.Context, id string) error     { return f.record("open " + id) }
func (f *fakeCtl) ClearAll(context.Context) error              { return f.record("clear") }
func (f *fakeCtl) Touch(_ context.Context, id string) error    { return f.record("touch " + id) }
func (f *fakeCtl) TouchAll(context.Context) error              { return f.record("touch-all") }
func (f *fakeCtl) SetForeground(_ context.Context, fg bool) error {
	if fg {
		return f.record("foreground")
	}
	return f.record("background")
}

func (f *fakeCtl) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func snapshot() pipeline.Snapshot {
	now := time.Now()
	return pipeline.Snapshot{
		Version: 1,
		Visible: []*notification.Notification{
			{ID: "n1", Title: "Maintenance", Message: "Tonight", Severity: notification.SeverityCritical, IsCritical: true, Timestamp: now,
				Detail: &notification.SystemDetail{Type: "critical"}},
			{ID: "whatsapp:c1", GroupKey: "whatsapp:c1", Title: "Budi", Message: "halo", Severity: notification.SeverityWhatsApp, Timestamp: now,
				Detail: &notification.ConversationDetail{ConversationID: "c1", MessageCount: 2}},
		},
		Total:     2,
		Muted:     []string{"c9"},
		Connected: true,
	}
}

// press feeds msg to m and runs the returned command once.
func press(t *testing.T, m tea.Model, msg tea.Msg) tea.Model {
	t.Helper()
	next, cmd := m.Update(msg)
	if cmd != nil {
		cmd()
	}
	return next
}

func TestKeysDriveController(t *testing.T) {
	ctl := newFakeCtl()
	m, _ := New(context.Background(), ctl, Options{})
	var model tea.Model = m
	model, _ = model.Update(snapshotMsg(snapshot()))

	cases := []struct {
		msg  tea.Msg
		want string
	}{
		{runes("d"), "dismiss n1"},
		{runes("j"), "touch n1"},
		{runes("m"), "mute whatsapp:c1"},
		{tea.KeyMsg{Type: tea.KeyEnter}, "open whatsapp:c1"},
		{runes("u"), "unmute c9"},
		{runes("c"), "clear"},
		{tea.FocusMsg{}, "foreground"},
		{tea.BlurMsg{}, "background"},
	}
	for _, tc := range cases {
		model = press(t, model, tc.msg)
		if got := ctl.last(); got != tc.want {
			t.Fatalf("after %v: last call = %q, want %q", tc.msg, got, tc.want)
		}
	}
}

func TestFirstGestureRunsOnce(t *testing.T) {
	ctl := newFakeCtl()
	n := 0
	m, _ := New(context.Background(), ctl, Options{OnFirstGesture: func() { n++ }})
	var model tea.Model = m
	model = press(t, model, runes("j"))
	model = press(t, model, runes("k"))
	_ = press(t, model, tea.MouseMsg{})
	if n != 1 {
		t.Fatalf("gesture callback ran %d times", n)
	}
}

func TestViewRendersCards(t *testing.T) {
	ctl := newFakeCtl()
	m, _ := New(context.Background(), ctl, Options{})
	var model tea.Model = m
	model, _ = model.Update(snapshotMsg(snapshot()))
	out := model.View()
	for _, want := range []string{"Maintenance", "Budi", "2 messages", "online"} {
		if !strings.Contains(out, want) {
			t.Fatalf("view missing %q:\n%s", want, out)
		}
	}

	model, _ = model.Update(snapshotMsg(pipeline.Snapshot{Version: 2}))
	if !strings.Contains(model.View(), "Nothing to show") {
		t.Fatal("empty state not rendered")
	}
}

func TestQuitAndClosedSnapshots(t *testing.T) {
	ctl := newFakeCtl()
	m, _ := New(context.Background(), ctl, Options{})
	_, cmd := m.Update(runes("q"))
	if cmd == nil {
		t.Fatal("quit returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not quit")
	}
	close(ctl.ch)
	if _, ok := m.Init()().(closedMsg); !ok {
		t.Fatal("closed subscription not reported")
	}
}
