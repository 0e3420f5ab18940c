package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanoutAndPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	notif, unsubN := SubscribePrefix(b, 4, "notification.")
	defer unsubN()

	Publish(b, TypeQueued, "n1")
	Publish(b, TypeEffectFailed, "ack")

	for _, want := range []string{TypeQueued, TypeEffectFailed} {
		select {
		case e := <-all:
			if e.Type != want || e.Time.IsZero() {
				t.Fatalf("got %+v, want %s", e, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
	select {
	case e := <-notif:
		if e.Type != TypeQueued {
			t.Fatalf("prefix subscriber got %s", e.Type)
		}
	default:
		t.Fatal("prefix subscriber got nothing")
	}
	select {
	case e := <-notif:
		t.Fatalf("prefix subscriber got unexpected %s", e.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	Publish(b, TypeShown, nil)
	Publish(b, TypeShown, nil)
	if got := b.(Counter).Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	unsub()
	unsub()
	Publish(b, TypeShown, nil)
}
