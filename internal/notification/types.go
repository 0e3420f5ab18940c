package notification

import (
	"time"
)

type Source string

const (
	SourceSystem   Source = "system"
	SourceWhatsApp Source = "whatsapp"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityWhatsApp Severity = "whatsapp"
)

// ActionKind is what the presentation layer asks the pipeline to do.
type ActionKind string

const (
	ActionDismiss ActionKind = "dismiss"
	ActionMute    ActionKind = "mute"
	ActionOpen    ActionKind = "open"
)

type Action struct {
	Label   string     `json:"label"`
	Variant string     `json:"variant"`
	Kind    ActionKind `json:"action"`
}

// Notification is the common shape every raw event is normalized into.
type Notification struct {
	ID         string
	GroupKey   string
	Severity   Severity
	Title      string
	Message    string
	Timestamp  time.Time
	IsCritical bool
	Detail     Detail
	Actions    []Action
}

// Source derives the source from the Detail variant.
func (n *Notification) Source() Source {
	if n == nil {
		return ""
	}
	return SourceOf(n.Detail)
}

// Clone returns a deep copy; snapshots handed to readers never alias engine state.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Actions = append([]Action(nil), n.Actions...)
	switch d := n.Detail.(type) {
	case *SystemDetail:
		dc := *d
		cp.Detail = &dc
	case *ConversationDetail:
		dc := *d
		dc.Messages = append([]GroupedMessage(nil), d.Messages...)
		cp.Detail = &dc
	}
	return &cp
}

// Detail is the source-specific part of a Notification.
// Implemented only by *SystemDetail and *ConversationDetail.
type Detail interface {
	source() Source
}

type SystemDetail struct {
	Type      string
	ExpiresAt time.Time
}

func (*SystemDetail) source() Source { return SourceSystem }

// ConversationDetail carries correlation fields for a conversation card.
// Messages is kept strictly ordered by timestamp and unique by message ID.
type ConversationDetail struct {
	ConversationID  string
	LastMessageID   string
	Phone           string
	BusinessPhoneID string
	Messages        []GroupedMessage
	MessageCount    int
}

func (*ConversationDetail) source() Source { return SourceWhatsApp }

type GroupedMessage struct {
	ID         string
	From       string
	SenderName string
	Type       string
	Text       string
	Timestamp  time.Time
}

// SourceOf returns the source for a Detail variant ("" for nil).
func SourceOf(d Detail) Source {
	if d == nil {
		return ""
	}
	return d.source()
}

// Visit dispatches on the Detail variant. Exactly one callback runs for a
// non-nil detail; a nil detail runs none and returns false.
func Visit(d Detail, onSystem func(*SystemDetail), onConversation func(*ConversationDetail)) bool {
	switch v := d.(type) {
	case *SystemDetail:
		if onSystem != nil {
			onSystem(v)
		}
		return true
	case *ConversationDetail:
		if onConversation != nil {
			onConversation(v)
		}
		return true
	default:
		return false
	}
}

// Conversation returns the conversation detail, or nil for other sources.
func (n *Notification) Conversation() *ConversationDetail {
	if n == nil {
		return nil
	}
	d, _ := n.Detail.(*ConversationDetail)
	return d
}

// System returns the system detail, or nil for other sources.
func (n *Notification) System() *SystemDetail {
	if n == nil {
		return nil
	}
	d, _ := n.Detail.(*SystemDetail)
	return d
}

// ConversationKey is the stable notification id/group key for a conversation.
func ConversationKey(conversationID string) string {
	return string(SourceWhatsApp) + ":" + conversationID
}

// Insert places m in timestamp order. A message whose ID is already present is
// ignored and Insert returns false.
func (d *ConversationDetail) Insert(m GroupedMessage) bool {
	for _, have := range d.Messages {
		if have.ID == m.ID {
			return false
		}
	}
	i := len(d.Messages)
	for i > 0 && d.Messages[i-1].Timestamp.After(m.Timestamp) {
		i--
	}
	d.Messages = append(d.Messages, GroupedMessage{})
	copy(d.Messages[i+1:], d.Messages[i:])
	d.Messages[i] = m
	return true
}

// Latest returns the newest grouped message time.
func (d *ConversationDetail) Latest() time.Time {
	if d == nil || len(d.Messages) == 0 {
		return time.Time{}
	}
	return d.Messages[len(d.Messages)-1].Timestamp
}
