// Package rest calls the collaborator HTTP endpoints: read receipts, archived
// conversations, missed system notifications and counter clearing.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tabnotify/internal/effects"
	"tabnotify/internal/notification"
	logx "tabnotify/pkg/logx"
)

const defaultTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("rest base url not configured")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Code)
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: u, token: cfg.Token, http: &http.Client{Timeout: timeout}, log: log}, nil
}

// MarkSystemRead acknowledges a system notification as read.
func (c *Client) MarkSystemRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

// MarkConversationRead records that the conversation was read up to now.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, nil)
}

// ClearConversationCounters resets unread counters. An empty id clears all.
func (c *Client) ClearConversationCounters(ctx context.Context, conversationID string) error {
	body := map[string]any{}
	if conversationID == "" {
		body["clearedAll"] = true
	} else {
		body["conversationId"] = conversationID
	}
	return c.do(ctx, http.MethodPost, "/conversations/notifications/clear", nil, body, nil)
}

// FetchArchived returns the ids of archived conversations.
func (c *Client) FetchArchived(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/conversations/archived", nil, nil, &raw); err != nil {
		return nil, err
	}
	return decodeArchived(raw)
}

// FetchMissedSystem returns system notifications created after since.
func (c *Client) FetchMissedSystem(ctx context.Context, since time.Time) ([]notification.RawSystem, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/notifications/system", q, nil, &raw); err != nil {
		return nil, err
	}
	return decodeSystem(raw)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	// path segments arrive escaped; JoinPath keeps them that way.
	u := c.base.JoinPath(path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug("rest call", logx.String("method", method), logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		// Client errors will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return effects.Permanent(se)
		}
		return se
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// decodeArchived accepts ["c1"], [{"conversationId":"c1"}] or
// {"conversationIds":[...]} / {"conversations":[...]}.
func decodeArchived(raw json.RawMessage) ([]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, nil
	}
	type item struct {
		ConversationID string `json:"conversationId"`
		ID             string `json:"_id"`
	}
	fromItems := func(items []item) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			switch {
			case it.ConversationID != "":
				out = append(out, it.ConversationID)
			case it.ID != "":
				out = append(out, it.ID)
			}
		}
		return out
	}
	var items []item
	if err := json.Unmarshal(raw, &items); err == nil {
		return fromItems(items), nil
	}
	var wrap struct {
		ConversationIDs []string `json:"conversationIds"`
		Conversations   []item   `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &wrap); err != nil {
		return nil, fmt.Errorf("archived: %w", notification.ErrMalformed)
	}
	if len(wrap.ConversationIDs) > 0 {
		return wrap.ConversationIDs, nil
	}
	return fromItems(wrap.Conversations), nil
}

// decodeSystem accepts a bare array or {"notifications":[...]}.
func decodeSystem(raw json.RawMessage) ([]notification.RawSystem, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var list []notification.RawSystem
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrap struct {
		Notifications []notification.RawSystem `json:"notifications"`
	}
	if err := json.Unmarshal(raw, &wrap); err != nil {
		return nil, fmt.Errorf("system notifications: %w", notification.ErrMalformed)
	}
	return wrap.Notifications, nil
}
