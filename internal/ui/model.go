// Package ui is the terminal presentation of one tab: it renders the visible
// cards of the pipeline snapshot and turns keys into pipeline actions. It
// never touches pipeline state directly.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"tabnotify/internal/notification"
	"tabnotify/internal/pipeline"
)

const actionTimeout = 2 * time.Second

// Controller is the pipeline surface the view drives.
type Controller interface {
	Subscribe() (<-chan pipeline.Snapshot, func())
	Dismiss(ctx context.Context, id string) error
	Mute(ctx context.Context, id string) error
	Unmute(ctx context.Context, conversationID string) error
	Open(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
	Touch(ctx context.Context, id string) error
	TouchAll(ctx context.Context) error
	SetForeground(ctx context.Context, fg bool) error
}

type snapshotMsg pipeline.Snapshot

type closedMsg struct{}

type actionDoneMsg struct {
	action string
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	ctx      context.Context
	ctl      Controller
	snaps    <-chan pipeline.Snapshot
	keys     *KeyMap
	help     help.Model
	showHelp bool

	snap   pipeline.Snapshot
	cursor int
	status string
	err    error
	width  int
	height int

	gesture *sync.Once
	onFirst func()
	now     func() time.Time
}

// Options tune a Model.
type Options struct {
	TabID string
	// OnFirstGesture runs once on the first key press or click.
	OnFirstGesture func()
	Now            func() time.Time
}

// New creates the card view bound to ctl. It subscribes immediately.
func New(ctx context.Context, ctl Controller, opts Options) (Model, func()) {
	snaps, unsub := ctl.Subscribe()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := help.New()
	m := Model{
		ctx:     ctx,
		ctl:     ctl,
		snaps:   snaps,
		keys:    DefaultKeyMap(),
		help:    h,
		gesture: &sync.Once{},
		onFirst: opts.OnFirstGesture,
		now:     opts.Now,
		width:   80,
		height:  24,
	}
	if opts.TabID != "" {
		m.status = "tab " + opts.TabID
	}
	return m, unsub
}

// Init starts listening for snapshots.
func (m Model) Init() tea.Cmd {
	return waitSnapshot(m.snaps)
}

func waitSnapshot(ch <-chan pipeline.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(s)
	}
}

// Update handles messages for the card view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = pipeline.Snapshot(msg)
		m.clampCursor()
		return m, waitSnapshot(m.snaps)

	case closedMsg:
		return m, tea.Quit

	case tea.FocusMsg:
		return m, m.do("focus", func(ctx context.Context) error { return m.ctl.SetForeground(ctx, true) })

	case tea.BlurMsg:
		return m, m.do("blur", func(ctx context.Context) error { return m.ctl.SetForeground(ctx, false) })

	case actionDoneMsg:
		m.err = msg.err
		if msg.err == nil && msg.action != "touch" && msg.action != "focus" && msg.action != "blur" {
			m.status = msg.action
		}
		return m, nil

	case tea.MouseMsg:
		m.firstGesture()
		return m, m.do("touch", m.ctl.TouchAll)

	case tea.KeyMsg:
		m.firstGesture()
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if key.Matches(msg, m.keys.Help) {
		m.showHelp = !m.showHelp
		return m, nil
	}
	if key.Matches(msg, m.keys.Clear) {
		return m, m.do("cleared", m.ctl.ClearAll)
	}
	if key.Matches(msg, m.keys.Unmute) {
		if len(m.snap.Muted) == 0 {
			return m, nil
		}
		conv := m.snap.Muted[len(m.snap.Muted)-1]
		return m, m.do("unmuted "+conv, func(ctx context.Context) error { return m.ctl.Unmute(ctx, conv) })
	}

	sel := m.selected()
	if sel == nil {
		return m, nil
	}
	id := sel.ID
	touch := m.do("touch", func(ctx context.Context) error { return m.ctl.Touch(ctx, id) })

	switch {
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.snap.Visible)-1 {
			m.cursor++
		}
		return m, touch
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, touch
	case key.Matches(msg, m.keys.Dismiss):
		return m, m.do("dismissed", func(ctx context.Context) error { return m.ctl.Dismiss(ctx, id) })
	case key.Matches(msg, m.keys.Mute):
		if sel.Conversation() == nil {
			return m, touch
		}
		return m, m.do("muted", func(ctx context.Context) error { return m.ctl.Mute(ctx, id) })
	case key.Matches(msg, m.keys.Open):
		return m, m.do("opened", func(ctx context.Context) error { return m.ctl.Open(ctx, id) })
	}
	return m, touch
}

// do runs an action off the update goroutine; the pipeline call blocks on its loop.
func (m Model) do(action string, fn func(ctx context.Context) error) tea.Cmd {
	parent := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		return actionDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) firstGesture() {
	if m.onFirst == nil {
		return
	}
	m.gesture.Do(m.onFirst)
}

func (m Model) selected() *notification.Notification {
	if m.cursor < 0 || m.cursor >= len(m.snap.Visible) {
		return nil
	}
	return m.snap.Visible[m.cursor]
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.snap.Visible) {
		m.cursor = len(m.snap.Visible) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// View renders the header, the visible cards and the status line.
func (m Model) View() string {
	var b strings.Builder
	conn := "offline"
	if m.snap.Connected {
		conn = "online"
	}
	header := headerStyle.Render(fmt.Sprintf("Notifications  %d shown · %d queued · %s", len(m.snap.Visible), m.snap.Total, conn))
	b.WriteString(header)
	b.WriteString("\n")

	if m.showHelp {
		m.help.ShowAll = true
		b.WriteString(cardStyle.Width(max(m.width-4, 20)).Render(m.help.View(m.keys)))
		return b.String()
	}

	if len(m.snap.Visible) == 0 {
		b.WriteString(emptyStyle.Render("Nothing to show."))
		b.WriteString("\n")
	}
	for i, n := range m.snap.Visible {
		b.WriteString(m.renderCard(n, i == m.cursor))
		b.WriteString("\n")
	}

	status := m.status
	if m.err != nil {
		status = errorStyle.Render(m.err.Error())
	}
	m.help.ShowAll = false
	b.WriteString(statusStyle.Render(status))
	b.WriteString(" ")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) renderCard(n *notification.Notification, selected bool) string {
	style := cardStyle
	if selected {
		style = selectedCardStyle
	}
	accent := lipgloss.NewStyle().Foreground(severityColor(string(n.Severity))).Bold(true)

	title := accent.Render("●") + " " + titleStyle.Render(n.Title)
	meta := humanize.Time(n.Timestamp)
	if c := n.Conversation(); c != nil && c.MessageCount > 1 {
		meta = fmt.Sprintf("%d messages · %s", c.MessageCount, meta)
	}
	if n.IsCritical {
		meta = "critical · " + meta
	}

	var labels []string
	for _, a := range n.Actions {
		labels = append(labels, "["+a.Label+"]")
	}

	body := lipgloss.JoinVertical(lipgloss.Left,
		title,
		n.Message,
		metaStyle.Render(meta+"  "+strings.Join(labels, " ")),
	)
	return style.Width(max(m.width-4, 20)).Render(body)
}

// Run starts the program and blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctl Controller, opts Options) error {
	m, unsub := New(ctx, ctl, opts)
	defer unsub()
	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
		tea.WithMouseCellMotion(),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
