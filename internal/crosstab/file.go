package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tabnotify/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// File stores one JSON file per key in a directory shared by every tab on the
// host. Sibling writes are observed with fsnotify. Each file carries the
// writing tab so a watcher skips its own writes by origin, never by content.
type File struct {
	dir    string
	origin string
	log    logx.Logger

	mu     sync.Mutex
	closed bool
}

type fileEnvelope struct {
	Origin string          `json:"origin"`
	Value  json.RawMessage `json:"value"`
}

// decodeFile unwraps a stored envelope. Files without one are read as a bare value.
func decodeFile(b []byte) ([]byte, string) {
	var env fileEnvelope
	if err := json.Unmarshal(b, &env); err != nil || env.Value == nil {
		return b, ""
	}
	return []byte(env.Value), env.Origin
}

func OpenFile(dir, origin string, log logx.Logger) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("crosstab.dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &File{dir: dir, origin: origin, log: log}, nil
}

func (f *File) path(key string) string { return filepath.Join(f.dir, key+".json") }

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, _ := decodeFile(b)
	return v, true, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	b, err := json.Marshal(fileEnvelope{Origin: f.origin, Value: json.RawMessage(value)})
	if err != nil {
		return err
	}
	tmp := filepath.Join(f.dir, "."+key+"."+f.origin+".tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(key))
}

func (f *File) Watch(ctx context.Context) (<-chan Change, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(f.dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
					continue
				}
				key := strings.TrimSuffix(name, ".json")
				b, err := os.ReadFile(ev.Name)
				if err != nil {
					continue
				}
				v, origin := decodeFile(b)
				if origin == f.origin {
					continue
				}
				select {
				case out <- Change{Key: key, Value: v, Origin: origin}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Warn("crosstab watch error", logx.Err(err), logx.String("dir", f.dir))
			}
		}
	}()
	return out, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
