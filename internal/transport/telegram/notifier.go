// Package telegram is the OS-level notification channel: while a tab is in the
// background, conversation messages are mirrored to a Telegram chat with an
// inline "Open" button.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"tabnotify/internal/effects"
	rtsup "tabnotify/internal/runtime/supervisor"
	logx "tabnotify/pkg/logx"
)

var (
	ErrDisabled = errors.New("telegram channel disabled")
	ErrDenied   = errors.New("telegram permission denied")

	errPollExited = errors.New("telegram poller exited")
)

const (
	textLimit  = 4000
	openPrefix = "open|"
)

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Permission mirrors the browser notification permission states.
type Permission int32

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// Message is one OS-level notification.
type Message struct {
	ConversationID string
	Title          string
	Body           string
}

// api is the subset of *tele.Bot the notifier calls.
type api interface {
	ChatByID(id int64) (*tele.Chat, error)
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Notifier struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api api

	perm      atomic.Int32
	requested sync.Once

	openMu sync.RWMutex
	onOpen func(conversationID string)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{cfg: cfg, log: log}
	if !cfg.Enabled {
		n.perm.Store(int32(PermissionDenied))
		return n, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	n.bot = b
	n.api = b
	b.Handle(tele.OnCallback, n.handleCallback)
	return n, nil
}

// newWithAPI builds a notifier around a fake bot.
func newWithAPI(cfg Config, a api, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{cfg: cfg, log: log, api: a}
}

// OnOpen registers the callback run when the user presses "Open".
func (n *Notifier) OnOpen(fn func(conversationID string)) {
	n.openMu.Lock()
	n.onOpen = fn
	n.openMu.Unlock()
}

func (n *Notifier) Permission() Permission { return Permission(n.perm.Load()) }

func (n *Notifier) Granted() bool { return n.Permission() == PermissionGranted }

// RequestPermission checks access to the configured chat. Only the first call
// does any work; later calls return the settled state.
func (n *Notifier) RequestPermission(ctx context.Context) Permission {
	n.requested.Do(func() {
		if n.api == nil || n.Permission() == PermissionDenied {
			n.perm.Store(int32(PermissionDenied))
			return
		}
		type result struct {
			chat *tele.Chat
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			c, err := n.api.ChatByID(n.cfg.ChatID)
			ch <- result{c, err}
		}()
		select {
		case <-ctx.Done():
			n.log.Warn("telegram permission request aborted", logx.Err(ctx.Err()))
			n.perm.Store(int32(PermissionDenied))
		case r := <-ch:
			if r.err != nil || r.chat == nil {
				n.log.Warn("telegram permission denied", logx.Int64("chat_id", n.cfg.ChatID), logx.Err(r.err))
				n.perm.Store(int32(PermissionDenied))
				return
			}
			n.log.Info("telegram permission granted", logx.Int64("chat_id", n.cfg.ChatID), logx.String("chat", r.chat.Title))
			n.perm.Store(int32(PermissionGranted))
		}
	})
	return n.Permission()
}

// Notify sends m. A rejection by Telegram disables the channel and is
// returned as a permanent error so the effect runner does not retry it.
func (n *Notifier) Notify(ctx context.Context, m Message) error {
	switch n.Permission() {
	case PermissionDenied:
		return effects.Permanent(ErrDisabled)
	case PermissionDefault:
		return effects.Permanent(ErrDenied)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rm := &tele.ReplyMarkup{}
	if m.ConversationID != "" {
		rm.Inline(rm.Row(tele.Btn{Text: "Open", Data: openPrefix + m.ConversationID}))
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ReplyMarkup: rm}
	_, err := n.api.Send(&tele.Chat{ID: n.cfg.ChatID}, Format(m), opts)
	if err == nil {
		return nil
	}
	if isForbidden(err) {
		n.perm.Store(int32(PermissionDenied))
		n.log.Warn("telegram channel disabled", logx.Err(err))
		return effects.Permanent(fmt.Errorf("%w: %v", ErrDisabled, err))
	}
	return err
}

// Format renders m as Telegram HTML, truncated to the message size limit.
func Format(m Message) string {
	var b strings.Builder
	if t := strings.TrimSpace(m.Title); t != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(t))
		b.WriteString("</b>")
	}
	if body := strings.TrimSpace(m.Body); body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		rs := []rune(body)
		if len(rs) > textLimit {
			rs = append(rs[:textLimit-1], '…')
		}
		b.WriteString(html.EscapeString(string(rs)))
	}
	return b.String()
}

func isForbidden(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return te.Code == 401 || te.Code == 403
	}
	return false
}

func (n *Notifier) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	data := strings.TrimSpace(cb.Data)
	if !strings.HasPrefix(data, openPrefix) {
		return nil
	}
	if c.Chat() != nil && c.Chat().ID != n.cfg.ChatID {
		return nil
	}
	conv := strings.TrimPrefix(data, openPrefix)
	n.open(conv)
	return c.Respond(&tele.CallbackResponse{Text: "Opened"})
}

func (n *Notifier) open(conversationID string) {
	if conversationID == "" {
		return
	}
	n.openMu.RLock()
	fn := n.onOpen
	n.openMu.RUnlock()
	if fn != nil {
		fn(conversationID)
	}
}

// Start polls for button presses. It is a no-op when the channel is disabled.
func (n *Notifier) Start(ctx context.Context) {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running || n.bot == nil {
		return
	}
	n.running = true
	n.sup = rtsup.New(ctx, rtsup.WithLogger(n.log.With(logx.String("comp", "telegram"))))
	sup := n.sup
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		n.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		n.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errPollExited
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (n *Notifier) Stop(ctx context.Context) {
	n.runMu.Lock()
	sup := n.sup
	n.sup = nil
	n.running = false
	n.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		n.log.Debug("telegram stop", logx.Err(err))
	}
}
