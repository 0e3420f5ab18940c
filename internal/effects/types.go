package effects

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("effects queue full")
	ErrStopped   = errors.New("effects stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration // per attempt
	// DedupWindow suppresses a second effect with the same Key inside the window.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Effect is one fire-and-forget call.
type Effect struct {
	Name string
	// Key, when set, identifies duplicates (e.g. "mark-read:c1").
	Key string
	Run func(ctx context.Context) error
	// Done, when set, receives the final outcome from a worker goroutine.
	Done func(err error)
}

// Event is published on the event bus for finished effects.
type Event struct {
	Name     string        `json:"name"`
	Key      string        `json:"key,omitempty"`
	Attempts int           `json:"attempts"`
	Took     time.Duration `json:"took"`
	Error    string        `json:"error,omitempty"`
}

type Stats struct {
	Queued  uint64
	Done    uint64
	Failed  uint64
	Deduped uint64
	Dropped uint64
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
