package notification

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTimestampDecodesEpochAndRFC3339(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   string
	}{
		{"epoch-ms", `1740823200000`},
		{"epoch-ms-string", `"1740823200000"`},
		{"rfc3339", `"2025-03-01T10:00:00Z"`},
		{"rfc3339-offset", `"2025-03-01T12:00:00+02:00"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts Timestamp
			if err := json.Unmarshal([]byte(tc.in), &ts); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !ts.Equal(want) {
				t.Fatalf("got %v, want %v", ts.Time, want)
			}
		})
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null: ts=%v err=%v", ts.Time, err)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestIdentityKeys(t *testing.T) {
	at := time.UnixMilli(1000)
	cases := []struct {
		name    string
		msg     RawWhatsApp
		want    []string
		wantErr bool
	}{
		{"event-and-delivery", RawWhatsApp{EventID: "e1", DeliveryID: "d1"}, []string{"event:e1", "delivery:d1"}, false},
		{"delivery-only", RawWhatsApp{DeliveryID: "d1"}, []string{"delivery:d1"}, false},
		{"derived", RawWhatsApp{ConversationID: "c1", Message: RawMessage{Timestamp: At(at)}}, []string{"derived:c1@1000"}, false},
		{"none", RawWhatsApp{}, nil, true},
		{"no-time", RawWhatsApp{ConversationID: "c1"}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.msg.IdentityKeys()
			if tc.wantErr {
				if !errors.Is(err, ErrNoIdentity) {
					t.Fatalf("err = %v, want ErrNoIdentity", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("keys = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("keys = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestFromWhatsAppBuildsConversationCard(t *testing.T) {
	raw := &RawWhatsApp{
		ConversationID:  "c42",
		BusinessPhoneID: "bp1",
		EventID:         "e1",
		Message: RawMessage{
			ID: "m1", Direction: "inbound", From: "+100", SenderName: "Ana",
			Type: "text", Text: "hi", Timestamp: At(time.UnixMilli(5000)),
		},
	}
	n, err := FromWhatsApp(raw)
	if err != nil {
		t.Fatalf("FromWhatsApp: %v", err)
	}
	if n.ID != "whatsapp:c42" || n.GroupKey != n.ID {
		t.Fatalf("id=%q group=%q", n.ID, n.GroupKey)
	}
	if n.Source() != SourceWhatsApp || n.Severity != SeverityWhatsApp || n.IsCritical {
		t.Fatalf("unexpected classification: %+v", n)
	}
	d := n.Conversation()
	if d == nil || d.ConversationID != "c42" || d.MessageCount != 1 || d.LastMessageID != "m1" {
		t.Fatalf("detail = %+v", d)
	}
	if n.Title != "Ana" || n.Message != "hi" {
		t.Fatalf("title=%q message=%q", n.Title, n.Message)
	}
}

func TestConversationInsertKeepsOrderAndUniqueness(t *testing.T) {
	d := &ConversationDetail{}
	d.Insert(GroupedMessage{ID: "b", Timestamp: time.UnixMilli(20)})
	d.Insert(GroupedMessage{ID: "c", Timestamp: time.UnixMilli(30)})
	d.Insert(GroupedMessage{ID: "a", Timestamp: time.UnixMilli(10)})
	if d.Insert(GroupedMessage{ID: "b", Timestamp: time.UnixMilli(40)}) {
		t.Fatal("duplicate id must be ignored")
	}
	want := []string{"a", "b", "c"}
	if len(d.Messages) != len(want) {
		t.Fatalf("len = %d", len(d.Messages))
	}
	for i, id := range want {
		if d.Messages[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, d.Messages[i].ID, id)
		}
	}
	if !d.Latest().Equal(time.UnixMilli(30)) {
		t.Fatalf("latest = %v", d.Latest())
	}
}

func TestRecomposeTitleForGroups(t *testing.T) {
	n := &Notification{Detail: &ConversationDetail{}}
	d := n.Conversation()
	d.Insert(GroupedMessage{ID: "1", SenderName: "Bo", Text: "one", Timestamp: time.UnixMilli(1)})
	d.Insert(GroupedMessage{ID: "2", SenderName: "Bo", Type: "image", Timestamp: time.UnixMilli(2)})
	Recompose(n)
	if n.Title != "Bo (2 new messages)" {
		t.Fatalf("title = %q", n.Title)
	}
	if n.Message != "one\n📷 Photo" {
		t.Fatalf("message = %q", n.Message)
	}
	if d.MessageCount != 2 || d.LastMessageID != "2" || !n.Timestamp.Equal(time.UnixMilli(2)) {
		t.Fatalf("detail = %+v ts=%v", d, n.Timestamp)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	n, _ := FromWhatsApp(&RawWhatsApp{ConversationID: "c", Message: RawMessage{ID: "m", Timestamp: At(time.UnixMilli(1))}})
	cp := n.Clone()
	cp.Conversation().Messages[0].Text = "changed"
	cp.Actions[0].Label = "x"
	if n.Conversation().Messages[0].Text == "changed" || n.Actions[0].Label == "x" {
		t.Fatal("clone aliases original")
	}
}

func TestFromSystemSeverity(t *testing.T) {
	now := time.UnixMilli(99)
	n, err := FromSystem(&RawSystem{ID: "s1", Type: "critical", Title: "Down"}, now)
	if err != nil {
		t.Fatalf("FromSystem: %v", err)
	}
	if !n.IsCritical || n.Severity != SeverityCritical || !n.Timestamp.Equal(now) || n.GroupKey != "" {
		t.Fatalf("unexpected: %+v", n)
	}
	if _, err := FromSystem(&RawSystem{}, now); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestEligibleSystem(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sales := Recipient{Role: "Sales", Locations: []string{"Lisbon"}}
	cases := []struct {
		name string
		rc   Recipient
		raw  RawSystem
		want bool
	}{
		{"all-users", sales, RawSystem{ID: "n1", Target: &Target{AllUsers: true}}, true},
		{"nil-target", sales, RawSystem{ID: "n1"}, true},
		{"role-match", sales, RawSystem{ID: "n1", Target: &Target{Roles: []string{"Sales"}}}, true},
		{"location-match", sales, RawSystem{ID: "n1", Target: &Target{Locations: []string{"lisbon"}}}, true},
		{"no-match", sales, RawSystem{ID: "n1", Target: &Target{Roles: []string{"Ops"}, Locations: []string{"Porto"}}}, false},
		{"admin-bypass", Recipient{Role: "Super Admin"}, RawSystem{ID: "n1", Target: &Target{Roles: []string{"Ops"}}}, true},
		{"custom-admin", Recipient{Role: "Root", AdminRole: "Root"}, RawSystem{ID: "n1", Target: &Target{Roles: []string{"Ops"}}}, true},
		{"expired", sales, RawSystem{ID: "n1", Target: &Target{AllUsers: true}, ExpiresAt: At(now.Add(-time.Second))}, false},
		{"not-yet-expired", sales, RawSystem{ID: "n1", ExpiresAt: At(now.Add(time.Second))}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rc.EligibleSystem(&tc.raw, now); got != tc.want {
				t.Fatalf("EligibleSystem = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInboundAndAddressed(t *testing.T) {
	rc := Recipient{UserID: "u1"}
	if (&RawWhatsApp{Message: RawMessage{Direction: "outbound"}}).IsInbound() {
		t.Fatal("outbound reported inbound")
	}
	if !(&RawWhatsApp{Message: RawMessage{Direction: "inbound"}}).IsInbound() {
		t.Fatal("inbound reported outbound")
	}
	if rc.Addressed(&RawWhatsApp{UserID: "u2"}) {
		t.Fatal("message for another user must not be addressed")
	}
	if !rc.Addressed(&RawWhatsApp{}) || !rc.Addressed(&RawWhatsApp{UserID: "u1"}) {
		t.Fatal("expected addressed")
	}
}
