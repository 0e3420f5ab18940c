package notification

import (
	"fmt"
	"strings"
	"time"
)

const previewMessages = 3

// FromSystem normalizes a system broadcast. now is used when the payload carries no time.
func FromSystem(r *RawSystem, now time.Time) (*Notification, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	ts := r.CreatedAt.Time
	if ts.IsZero() {
		ts = now
	}
	sev := severityFor(r.Type)
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = "System notification"
	}
	return &Notification{
		ID:         r.ID,
		Severity:   sev,
		Title:      title,
		Message:    r.Message,
		Timestamp:  ts,
		IsCritical: sev == SeverityCritical,
		Detail:     &SystemDetail{Type: r.Type, ExpiresAt: r.ExpiresAt.Time},
		Actions: []Action{
			{Label: "Dismiss", Variant: "ghost", Kind: ActionDismiss},
		},
	}, nil
}

func severityFor(typ string) Severity {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "critical", "error", "urgent":
		return SeverityCritical
	case "warning", "warn":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// FromWhatsApp normalizes a conversation message into a one-message group.
func FromWhatsApp(m *RawWhatsApp) (*Notification, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	key := ConversationKey(m.ConversationID)
	gm := GroupedMessage{
		ID:         m.MessageID(),
		From:       m.Message.From,
		SenderName: m.Message.SenderName,
		Type:       m.Message.Type,
		Text:       m.Message.Text,
		Timestamp:  m.MessageTime(),
	}
	n := &Notification{
		ID:        key,
		GroupKey:  key,
		Severity:  SeverityWhatsApp,
		Timestamp: gm.Timestamp,
		Detail: &ConversationDetail{
			ConversationID:  m.ConversationID,
			LastMessageID:   gm.ID,
			Phone:           m.Message.From,
			BusinessPhoneID: m.BusinessPhoneID,
			Messages:        []GroupedMessage{gm},
			MessageCount:    1,
		},
		Actions: []Action{
			{Label: "Open", Variant: "primary", Kind: ActionOpen},
			{Label: "Mute", Variant: "ghost", Kind: ActionMute},
			{Label: "Dismiss", Variant: "ghost", Kind: ActionDismiss},
		},
	}
	Recompose(n)
	return n, nil
}

// Recompose recomputes count, last message, title and combined text of a
// conversation card from its grouped messages.
func Recompose(n *Notification) {
	d := n.Conversation()
	if d == nil || len(d.Messages) == 0 {
		return
	}
	last := d.Messages[len(d.Messages)-1]
	d.MessageCount = len(d.Messages)
	d.LastMessageID = last.ID
	n.Timestamp = last.Timestamp

	who := strings.TrimSpace(last.SenderName)
	if who == "" {
		who = strings.TrimSpace(last.From)
	}
	if who == "" {
		who = "WhatsApp"
	}
	if d.MessageCount > 1 {
		n.Title = fmt.Sprintf("%s (%d new messages)", who, d.MessageCount)
	} else {
		n.Title = who
	}

	start := len(d.Messages) - previewMessages
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, previewMessages)
	for _, m := range d.Messages[start:] {
		lines = append(lines, messagePreview(m))
	}
	n.Message = strings.Join(lines, "\n")
}

func messagePreview(m GroupedMessage) string {
	if t := strings.TrimSpace(m.Text); t != "" {
		return t
	}
	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case "", "text":
		return "New message"
	case "image":
		return "📷 Photo"
	case "audio", "voice":
		return "🎤 Voice message"
	case "video":
		return "🎬 Video"
	case "document":
		return "📄 Document"
	default:
		return "New " + m.Type + " message"
	}
}
