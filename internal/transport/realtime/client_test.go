package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	logx "tabnotify/pkg/logx"
)

type server struct {
	srv   *httptest.Server
	conns atomic.Int32
	acks  chan string
}

// newServer sends one whatsapp frame per connection, then closes the first
// connection to force a reconnect.
func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{acks: make(chan string, 8)}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := s.conns.Add(1)
		_ = conn.WriteJSON(map[string]any{"event": EventWhatsApp, "data": map[string]any{"conversationId": "c1", "deliveryId": "d" + string(rune('0'+n))}})
		if n == 1 {
			// Wait for the ack, then drop the connection.
			_, b, err := conn.ReadMessage()
			if err == nil {
				var f Frame
				_ = json.Unmarshal(b, &f)
				var ack struct {
					DeliveryID string `json:"deliveryId"`
				}
				_ = json.Unmarshal(f.Data, &ack)
				if f.Event == EventAck {
					s.acks <- ack.DeliveryID
				}
			}
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func TestSessionReconnectAndAck(t *testing.T) {
	s := newServer(t)
	frames := make(chan Frame, 8)
	connects := make(chan bool, 8)
	var c *Client
	var err error
	c, err = New(Config{
		URL:          "ws" + strings.TrimPrefix(s.srv.URL, "http"),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, Hooks{
		OnFrame: func(f Frame) {
			frames <- f
			var p struct {
				DeliveryID string `json:"deliveryId"`
			}
			_ = json.Unmarshal(f.Data, &p)
			_ = c.Ack(p.DeliveryID)
		},
		OnConnect: func(reconnect bool) { connects <- reconnect },
	}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	}()

	want := []bool{false, true}
	for i, w := range want {
		select {
		case got := <-connects:
			if got != w {
				t.Fatalf("connect %d reconnect = %v", i, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("connect %d timed out", i)
		}
	}
	select {
	case id := <-s.acks:
		if id != "d1" {
			t.Fatalf("ack = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ack")
	}
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			if f.Event != EventWhatsApp {
				t.Fatalf("event = %q", f.Event)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d timed out", i)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c, err := New(Config{URL: "ws://127.0.0.1:1"}, Hooks{}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Ack("d1"); err != ErrNotConnected {
		t.Fatalf("err = %v", err)
	}
}
