package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
session:
  user_id: u1
  role: Sales
  locations: [Jakarta]
realtime:
  url: wss://example.test/ws
queue:
  max_visible: 4
  group_window: 90s
rate_limit:
  events: 10
  window: 5s
crosstab:
  driver: file
  dir: /tmp/shared
logging:
  level: debug
  console: true
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("tab.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Session.Role != "Sales" || len(cfg.Session.Locations) != 1 {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Queue.MaxVisible != 4 || cfg.Queue.GroupWindow != "90s" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.CrossTab.Driver != "file" {
		t.Fatalf("crosstab = %+v", cfg.CrossTab)
	}
}

func TestDecodeStrict(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown yaml key", "c.yaml", "queue:\n  max_visibel: 3\n"},
		{"unknown json key", "c.json", `{"queue":{"max_visibel":3}}`},
		{"trailing json", "c.json", `{"queue":{}} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("queue.min_visible", "soon"); err == nil || !strings.Contains(err.Error(), "queue.min_visible") {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Queue: QueueConfig{MaxVisible: 5}, Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Queue: QueueConfig{MaxVisible: 3}, Telegram: TelegramConfig{Token: "b"}}
	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "queue,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "telegram" {
		t.Fatalf("restart = %v", restart)
	}
	if c, _, _ := SummarizeConfigChange(oldCfg, oldCfg); len(c) != 0 {
		t.Fatalf("no-op changed = %v", c)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tab.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"max_visible":5}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Queue.MaxVisible > 10 {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"queue":{"max_visible":50}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if got := m.Get().Queue.MaxVisible; got != 5 {
		t.Fatalf("rejected config committed: %d", got)
	}

	if err := os.WriteFile(path, []byte(`{"queue":{"max_visible":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Queue.MaxVisible != 3 {
			t.Fatalf("published %d", cfg.Queue.MaxVisible)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestDecodeExpandsEnvironment(t *testing.T) {
	t.Setenv("TABNOTIFY_TEST_TOKEN", "s3cret")
	cfg, err := Decode("tab.json", []byte(`{"rest":{"base_url":"http://api.test","token":"${TABNOTIFY_TEST_TOKEN}"},"realtime":{"token":"${TABNOTIFY_TEST_UNSET}"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.REST.Token != "s3cret" {
		t.Fatalf("rest token = %q", cfg.REST.Token)
	}
	if cfg.Realtime.Token != "" {
		t.Fatalf("unset variable expanded to %q", cfg.Realtime.Token)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandPath("~/.cache/tab"); got != filepath.Join(home, ".cache/tab") {
		t.Fatalf("ExpandPath = %q", got)
	}
	if got := ExpandPath(" /var/lib/tab "); got != "/var/lib/tab" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
