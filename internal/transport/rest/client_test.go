package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tabnotify/internal/effects"
	logx "tabnotify/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api/", Token: "tok"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestMarkConversationRead(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.MarkConversationRead(context.Background(), "c 1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if gotPath != "/api/conversations/c 1/read" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth = %q", gotAuth)
	}
}

func TestClearBody(t *testing.T) {
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
	})
	if err := c.ClearConversationCounters(context.Background(), ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if body["clearedAll"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestFetchMissedSystem(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "2026-01-02T03:04:05Z" {
			t.Errorf("since = %q", got)
		}
		_, _ = w.Write([]byte(`{"notifications":[{"_id":"n1","type":"info","title":"Hi","message":"m","createdAt":1767323045000}]}`))
	})
	list, err := c.FetchMissedSystem(context.Background(), since)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(list) != 1 || list[0].ID != "n1" {
		t.Fatalf("list = %+v", list)
	}
}

func TestFetchArchivedShapes(t *testing.T) {
	tests := []struct {
		body string
		want []string
	}{
		{`["c1","c2"]`, []string{"c1", "c2"}},
		{`[{"conversationId":"c1"},{"_id":"c2"}]`, []string{"c1", "c2"}},
		{`{"conversationIds":["c3"]}`, []string{"c3"}},
		{`{"conversations":[{"conversationId":"c4"}]}`, []string{"c4"}},
	}
	for _, tt := range tests {
		body := tt.body
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(body)) })
		got, err := c.FetchArchived(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v", body, got)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: got %v", body, got)
			}
		}
	}
}

func TestStatusErrors(t *testing.T) {
	code := http.StatusNotFound
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", code)
	})
	err := c.MarkSystemRead(context.Background(), "n1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 404 || !effects.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	code = http.StatusBadGateway
	err = c.MarkSystemRead(context.Background(), "n1")
	if err == nil || effects.IsPermanent(err) {
		t.Fatalf("5xx err = %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}
