// Package realtime is the websocket client for the real-time notification
// channel. Frames are JSON objects {"event": name, "data": payload}; the
// client reconnects with backoff and reports whether a session is the first
// connect or a reconnect, which drives missed-notification replay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tabnotify/internal/eventbus"
	rtsup "tabnotify/internal/runtime/supervisor"
	logx "tabnotify/pkg/logx"
)

// Inbound and outbound event names.
const (
	EventSystem          = "system-notification"
	EventWhatsApp        = "whatsapp-message"
	EventWhatsAppCleared = "whatsapp-notifications-cleared"
	EventSystemCleared   = "system-notifications-cleared"
	EventAck             = "notification-ack"
)

var (
	ErrNotConnected = errors.New("realtime not connected")
	ErrSendFull     = errors.New("realtime send buffer full")
	errClosedByPeer = errors.New("realtime connection closed by server")
)

type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	SendBuffer       int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hooks are called from the client's goroutines; implementations post into
// their own event loop.
type Hooks struct {
	OnFrame      func(Frame)
	OnConnect    func(reconnect bool)
	OnDisconnect func(err error)
}

type Client struct {
	cfg   Config
	hooks Hooks
	log   logx.Logger
	bus   eventbus.Bus

	out       chan []byte
	connected atomic.Bool
	everUp    atomic.Bool
	sessions  atomic.Uint64

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func New(cfg Config, hooks Hooks, log logx.Logger, bus eventbus.Bus) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("realtime url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, hooks: hooks, log: log, bus: bus, out: make(chan []byte, cfg.SendBuffer)}, nil
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Sessions counts successful connects.
func (c *Client) Sessions() uint64 { return c.sessions.Load() }

// Send queues an outbound frame for the current session.
func (c *Client) Send(event string, data any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	b, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrSendFull
	}
}

// Ack confirms a delivery to the server.
func (c *Client) Ack(deliveryID string) error {
	return c.Send(EventAck, map[string]string{"deliveryId": deliveryID})
}

func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log.With(logx.String("comp", "realtime"))))
	c.sup.GoRestart("realtime.session", c.session,
		rtsup.WithRestartBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax),
	)
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// session runs one connection until it fails. A nil return ends the restart
// loop, so it is only returned on shutdown.
func (c *Client) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if resp != nil {
			return fmt.Errorf("dial: http %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Drop frames queued for a previous session.
	for len(c.out) > 0 {
		<-c.out
	}

	reconnect := c.everUp.Swap(true)
	c.sessions.Add(1)
	c.connected.Store(true)
	c.log.Info("realtime connected", logx.Bool("reconnect", reconnect))
	eventbus.Publish(c.bus, eventbus.TypeTransportConnected, eventbus.Connection{Reconnect: reconnect})
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(reconnect)
	}

	sctx, cancel := context.WithCancel(ctx)
	writeDone := make(chan error, 1)
	go func() { writeDone <- c.writeLoop(sctx, conn) }()

	readErr := c.readLoop(conn)
	cancel()
	writeErr := <-writeDone

	c.connected.Store(false)
	err = readErr
	if err == nil {
		err = writeErr
	}
	if ctx.Err() != nil {
		c.log.Info("realtime closed")
		return nil
	}
	if err == nil {
		err = errClosedByPeer
	}
	c.log.Warn("realtime disconnected", logx.Err(err))
	eventbus.Publish(c.bus, eventbus.TypeTransportDisconnected, eventbus.Connection{Error: err.Error()})
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(err)
	}
	return err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		typ, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClosedByPeer
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Event == "" {
			c.log.Debug("realtime frame ignored", logx.Int("bytes", len(b)), logx.Err(err))
			continue
		}
		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(f)
		}
	}
}

// writeLoop owns every write on conn. On exit it closes the connection, which
// unblocks readLoop.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case b := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
