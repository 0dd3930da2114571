package supervisor

import (
	"fmt"
	"time"

	"warden/internal/sched"
)

// RestartPolicy decides what happens after a child exits or fails.
type RestartPolicy int

const (
	// Permanent children are restarted after any exit, clean or failed.
	Permanent RestartPolicy = iota
	// Transient children are restarted only after a failure; a clean exit
	// is final.
	Transient
	// Temporary children are never restarted.
	Temporary
)

func (p RestartPolicy) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p RestartPolicy) valid() bool {
	return p == Permanent || p == Transient || p == Temporary
}

// ChildState is the supervisor's view of one child's lifecycle.
type ChildState int

const (
	// StateIdle: registered, never started.
	StateIdle ChildState = iota
	// StateRunning: last start or restart succeeded.
	StateRunning
	// StateBackoff: a restart is pending in the batch queue.
	StateBackoff
	// StateCircuitOpen: restarts are suppressed until the cooldown closes
	// the circuit.
	StateCircuitOpen
	// StateStopped: stopped deliberately; nothing restarts it.
	StateStopped
	// StateExited: left on its own terms and its policy keeps it down.
	StateExited
	// StateAbandoned: the restart allowance is exhausted.
	StateAbandoned
)

func (st ChildState) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	case StateCircuitOpen:
		return "circuit_open"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

// Config controls restart pacing, the per-child circuit breaker, and the
// embedded scheduler. Defaults are applied in New and Apply.
type Config struct {
	// InitialBackoff is the first restart delay; it doubles per failed
	// restart up to MaxBackoff and resets on success.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxRestarts is the restart allowance per child; once exhausted the
	// child is abandoned. A successful manual StartChild resets it.
	MaxRestarts int

	// RestartBatchLimit caps how many children one batch invocation
	// restarts; the batch re-arms itself for the remainder.
	RestartBatchLimit int

	// BreakerThreshold failures inside BreakerWindow open a child's
	// circuit; it closes BreakerCooldown later.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// Sched configures the supervisor-owned scheduler.
	Sched sched.Config
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.RestartBatchLimit <= 0 {
		c.RestartBatchLimit = 5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// ChildEvent is emitted on the event bus for child lifecycle events.
type ChildEvent struct {
	Name     string        `json:"name"`
	Policy   string        `json:"policy,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Backoff  time.Duration `json:"backoff,omitempty"`
	Failures int           `json:"failures,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// SupEvent is emitted for supervisor-level lifecycle events.
type SupEvent struct {
	Children int `json:"children"`
}

// ChildStatus is a point-in-time view of one child for diagnostics.
type ChildStatus struct {
	Name        string        `json:"name"`
	Policy      string        `json:"policy"`
	State       string        `json:"state"`
	Restarts    int           `json:"restarts"`
	Backoff     time.Duration `json:"backoff"`
	Failures    int           `json:"failures"`
	BreakerOpen bool          `json:"breaker_open"`
	RestartAt   time.Time     `json:"restart_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitempty"`
}

// Snapshot is a point-in-time view of the supervisor and its scheduler.
type Snapshot struct {
	Started   bool           `json:"started"`
	Stopped   bool           `json:"stopped"`
	Restarts  uint64         `json:"restarts"`
	Abandoned int            `json:"abandoned"`
	Children  []ChildStatus  `json:"children"`
	Scheduler sched.Snapshot `json:"scheduler"`
}
