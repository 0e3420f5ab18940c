package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "tabnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.seen.snapshot.json (periodic snapshot)
//   - <prefix>.seen.journal.jsonl (append-only journal)
//   - <prefix>.replay.json        (watermark, replaced atomically)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	replayPath   string
	seen         map[string]int64 // unix milli

	writes int
}

type seenRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

type replayFile struct {
	Watermark int64 `json:"watermark"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"

	seen := map[string]int64{}
	_ = loadSeenSnapshot(snapPath, seen)
	_ = replaySeenJournal(journalPath, seen)
	pruneSeen(seen, cfg, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		cfg:          cfg,
		snapshotPath: snapPath,
		journalFile:  jf,
		replayPath:   prefix + ".replay.json",
		seen:         seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journalFile.Close()
	s.journalFile = nil
	if cerr != nil {
		s.log.Debug("seen compact on close failed", logx.Err(cerr))
	}
	return err
}

func (s *fileStore) PutSeen(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("seen journal closed")
	}
	s.seen[key] = ms

	if err := json.NewEncoder(s.journalFile).Encode(seenRecord{Key: key, At: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadSeen(ctx context.Context, limit int) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	pruneSeen(s.seen, s.cfg, time.Now())
	return newestKeys(s.seen, limit), nil
}

func (s *fileStore) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.replayPath)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var rf replayFile
	if err := json.Unmarshal(b, &rf); err != nil {
		return time.Time{}, false, err
	}
	if rf.Watermark <= 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(rf.Watermark), true, nil
}

func (s *fileStore) PutWatermark(ctx context.Context, t time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(replayFile{Watermark: t.UnixMilli()})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.replayPath, b)
}

func (s *fileStore) compactLocked() error {
	pruneSeen(s.seen, s.cfg, time.Now())
	b, err := json.Marshal(s.seen)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath, b); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSeenSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySeenJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return sc.Err()
}

// pruneSeen drops keys older than the TTL, then the oldest beyond MaxSeen.
func pruneSeen(m map[string]int64, cfg Config, now time.Time) {
	cutoff := now.Add(-cfg.SeenTTL).UnixMilli()
	for k, v := range m {
		if v < cutoff {
			delete(m, k)
		}
	}
	if len(m) <= cfg.MaxSeen {
		return
	}
	keys := sortedByAge(m)
	for _, k := range keys[:len(keys)-cfg.MaxSeen] {
		delete(m, k)
	}
}

func sortedByAge(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] == m[keys[j]] {
			return keys[i] < keys[j]
		}
		return m[keys[i]] < m[keys[j]]
	})
	return keys
}

func newestKeys(m map[string]int64, limit int) []string {
	keys := sortedByAge(m)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return keys
}
