package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed  = errors.New("malformed event")
	ErrNoIdentity = errors.New("event has no identity")
)

// Timestamp decodes either epoch milliseconds or an RFC3339 string.
type Timestamp struct{ time.Time }

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
			return nil
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = v
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// At wraps a time.Time.
func At(v time.Time) Timestamp { return Timestamp{Time: v} }

// Target restricts which recipients a system broadcast is for.
type Target struct {
	AllUsers  bool     `json:"allUsers"`
	Roles     []string `json:"roles,omitempty"`
	Locations []string `json:"locations,omitempty"`
}

// RawSystem is the server-broadcast shape.
type RawSystem struct {
	ID        string    `json:"_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt Timestamp `json:"createdAt"`
	ExpiresAt Timestamp `json:"expiresAt"`
	Target    *Target   `json:"target,omitempty"`
}

// SystemEvent is the payload of the system-notification event.
type SystemEvent struct {
	Notification *RawSystem `json:"notification"`
}

type RawMessage struct {
	ID         string    `json:"id,omitempty"`
	Direction  string    `json:"direction"`
	From       string    `json:"from"`
	Timestamp  Timestamp `json:"timestamp"`
	SenderName string    `json:"senderName"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
}

// RawWhatsApp is the conversation-message transport shape.
type RawWhatsApp struct {
	ConversationID  string     `json:"conversationId"`
	Message         RawMessage `json:"message"`
	BusinessPhoneID string     `json:"businessPhoneId"`
	AssignedAgent   string     `json:"assignedAgent,omitempty"`
	EventID         string     `json:"eventId,omitempty"`
	DeliveryID      string     `json:"deliveryId,omitempty"`
	UserID          string     `json:"userId,omitempty"`
	CreatedAt       Timestamp  `json:"createdAt"`
}

// Cleared is the payload of the *-notifications-cleared events.
type Cleared struct {
	ClearedAll     bool   `json:"clearedAll,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
}

// Ack is sent back once a delivery was recorded as seen.
type Ack struct {
	DeliveryID string `json:"deliveryId"`
}

// MessageTime is the event time of a conversation message, falling back to createdAt.
func (m *RawWhatsApp) MessageTime() time.Time {
	if !m.Message.Timestamp.IsZero() {
		return m.Message.Timestamp.Time
	}
	return m.CreatedAt.Time
}

// MessageID identifies the underlying message for grouping uniqueness.
func (m *RawWhatsApp) MessageID() string {
	switch {
	case strings.TrimSpace(m.Message.ID) != "":
		return m.Message.ID
	case strings.TrimSpace(m.EventID) != "":
		return m.EventID
	case strings.TrimSpace(m.DeliveryID) != "":
		return m.DeliveryID
	default:
		return m.Message.From + "@" + strconv.FormatInt(m.MessageTime().UnixMilli(), 10)
	}
}

// IdentityKeys returns the keys checked by the transport-level recency guard.
// Without eventId or deliveryId a key is derived from conversation id + message time;
// without a conversation id either the event has no identity.
func (m *RawWhatsApp) IdentityKeys() ([]string, error) {
	keys := make([]string, 0, 2)
	if id := strings.TrimSpace(m.EventID); id != "" {
		keys = append(keys, "event:"+id)
	}
	if id := strings.TrimSpace(m.DeliveryID); id != "" {
		keys = append(keys, "delivery:"+id)
	}
	if len(keys) > 0 {
		return keys, nil
	}
	conv := strings.TrimSpace(m.ConversationID)
	if conv == "" {
		return nil, ErrNoIdentity
	}
	t := m.MessageTime()
	if t.IsZero() {
		return nil, fmt.Errorf("%w: conversation %s has no message time", ErrNoIdentity, conv)
	}
	return []string{"derived:" + conv + "@" + strconv.FormatInt(t.UnixMilli(), 10)}, nil
}

// IsInbound reports whether the message was sent by the participant (not the business).
func (m *RawWhatsApp) IsInbound() bool {
	d := strings.ToLower(strings.TrimSpace(m.Message.Direction))
	return d != "outbound" && d != "outgoing" && d != "out"
}

// Validate rejects events the pipeline cannot safely track.
func (m *RawWhatsApp) Validate() error {
	if m == nil {
		return ErrMalformed
	}
	if strings.TrimSpace(m.ConversationID) == "" && strings.TrimSpace(m.EventID) == "" {
		return ErrNoIdentity
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversationId", ErrMalformed)
	}
	return nil
}

func (r *RawSystem) Validate() error {
	if r == nil {
		return ErrMalformed
	}
	if strings.TrimSpace(r.ID) == "" {
		return ErrNoIdentity
	}
	return nil
}
