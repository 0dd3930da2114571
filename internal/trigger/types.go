package trigger

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/eventbus"
	"warden/internal/sched"
	"warden/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// OverlapPolicy decides what a fire does while the previous run is still
// live in the scheduler.
type OverlapPolicy int

const (
	// OverlapSkip drops the fire; the task id stays stable so the
	// scheduler's duplicate rule suppresses it.
	OverlapSkip OverlapPolicy = iota
	// OverlapAllow admits every fire under a unique task id.
	OverlapAllow
)

// Def declares one trigger. Action names the registry entry to run;
// Priority, Retries, and MaxExecTime are passed through to the admitted
// task.
type Def struct {
	Name        string
	Schedule    string
	Action      string
	Priority    int
	Retries     int
	MaxExecTime time.Duration
	Overlap     OverlapPolicy
}

// Sink is where fired triggers admit their work. *sched.Scheduler
// satisfies it.
type Sink interface {
	Add(t sched.Task) error
}

type triggerDef struct {
	def     Def
	ps      ParsedSpec
	spec    string // normalized cron/@every form actually registered
	entryID cron.EntryID
	spread  time.Duration
}

// Service registers triggers with a cron runner and admits tasks when they
// fire. Definitions survive Stop and are re-registered on the next Start.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	sink Sink
	reg  *Registry

	parser  cron.Parser
	c       *cron.Cron
	defs    []triggerDef
	started bool

	// Admit error throttling, keyed by trigger name.
	admitMu       sync.Mutex
	lastAdmitWarn map[string]time.Time
}

// TriggerInfo describes one registered trigger for diagnostics.
type TriggerInfo struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Action   string        `json:"action"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Spread   time.Duration `json:"spread,omitempty"`
}

// Snapshot is a point-in-time view of the trigger service.
type Snapshot struct {
	Enabled  bool          `json:"enabled"`
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Triggers []TriggerInfo `json:"triggers"`
}

// TriggerEvent is emitted on the event bus when a trigger fires or skips.
type TriggerEvent struct {
	Name   string `json:"name"`
	Action string `json:"action,omitempty"`
	Task   string `json:"task,omitempty"`
	Error  string `json:"error,omitempty"`
}
