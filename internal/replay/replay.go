// Package replay tracks the watermark used to fetch system notifications
// missed while the realtime connection was down.
package replay

import (
	"context"
	"time"

	"tabnotify/internal/storage"
	logx "tabnotify/pkg/logx"
)

// State is owned by the event loop. The watermark only moves forward and is
// written behind to storage by Persist.
type State struct {
	log   logx.Logger
	store storage.Store

	lastNotificationTimestamp time.Time
	dirty                     bool
}

func New(store storage.Store, log logx.Logger) *State {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &State{log: log, store: store}
}

// Load restores the persisted watermark. A missing store or value leaves it zero.
func (s *State) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	t, ok, err := s.store.GetWatermark(ctx)
	if err != nil {
		return err
	}
	if ok && t.After(s.lastNotificationTimestamp) {
		s.lastNotificationTimestamp = t
	}
	return nil
}

// Watermark is the timestamp of the newest accepted system notification.
func (s *State) Watermark() time.Time { return s.lastNotificationTimestamp }

// Advance moves the watermark to ts when ts is newer and reports whether it moved.
func (s *State) Advance(ts time.Time) bool {
	if !ts.After(s.lastNotificationTimestamp) {
		return false
	}
	s.lastNotificationTimestamp = ts
	s.dirty = true
	return true
}

// Persist writes the watermark when it changed since the last successful write.
func (s *State) Persist(ctx context.Context) error {
	if s.store == nil || !s.dirty {
		return nil
	}
	if err := s.store.PutWatermark(ctx, s.lastNotificationTimestamp); err != nil {
		return err
	}
	s.dirty = false
	s.log.Debug("replay watermark persisted", logx.Time("watermark", s.lastNotificationTimestamp))
	return nil
}

// Since returns the lower bound for a catch-up fetch. A zero watermark uses
// now minus lookback so a fresh tab does not pull the whole history.
func (s *State) Since(now time.Time, lookback time.Duration) time.Time {
	if !s.lastNotificationTimestamp.IsZero() {
		return s.lastNotificationTimestamp
	}
	if lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-lookback)
}
