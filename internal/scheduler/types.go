package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tabnotify/internal/eventbus"
	logx "tabnotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Timezone string // IANA TZ for cron specs; empty means Local
}

// Job is the body of a task. The context is cancelled on Stop or after the task timeout.
type Job func(ctx context.Context) error

type taskDef struct {
	name    string
	spec    string
	every   time.Duration // > 0 for ticker-driven tasks
	timeout time.Duration
	job     Job

	entryID cron.EntryID
	stop    chan struct{}

	running atomic.Bool
	stats   *taskStats
}

type taskStats struct {
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	lastRun atomic.Int64 // unix nano
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*taskDef

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type TaskInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Skipped uint64
	Failed  uint64
	LastRun time.Time
}

type Snapshot struct {
	Timezone string
	Running  bool
	Tasks    []TaskInfo
}

// TaskEvent is published on the event bus when a task fails.
type TaskEvent struct {
	Name  string        `json:"name"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}
