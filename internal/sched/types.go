package sched

import (
	"context"
	"time"
)

// Config controls the scheduler loop and retry spacing.
//
// The app layer maps config.scheduler into this struct. Defaults are applied
// in New and Apply.
type Config struct {
	// Capacity bounds the number of live tasks (queued, deferred, or
	// executing). Add rejects with ErrQueueFull beyond it.
	Capacity int

	// Tick is the poll interval of the dispatch loop. The loop is lazy: it
	// stops when there is nothing left to watch and re-arms on the next Add.
	Tick time.Duration

	// RetryBackoff spaces a failed task's next attempt; it doubles per
	// failure up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.Tick <= 0 {
		c.Tick = 10 * time.Millisecond
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = time.Second
	}
	return c
}

// Task is a unit of work admitted via Add.
type Task struct {
	// ID must be unique among live tasks. Adding a duplicate is a no-op
	// (ErrTaskExists, which callers may ignore).
	ID string

	// Action runs on the dispatch goroutine. Its context carries the
	// MaxExecTime deadline so cooperative actions can observe it; the
	// scheduler itself never interrupts a running action.
	Action func(ctx context.Context) error

	// Delay postpones the first attempt relative to admission time.
	Delay time.Duration

	// Priority breaks due-time ties; lower runs first.
	Priority int

	// Retries is the total number of attempts allowed, clamped to at
	// least 1.
	Retries int

	// MaxExecTime is a soft execution budget. An action that returns after
	// exceeding it triggers a warning and a task.overrun event, nothing
	// more.
	MaxExecTime time.Duration

	// DependsOn defers execution until the named tasks have left the
	// scheduler. Ids unknown to the scheduler count as already resolved.
	DependsOn []string
}

// entry is the scheduler's internal record of a live task.
type entry struct {
	task      Task
	dueAt     time.Time
	seq       uint64
	attempt   int
	cancelled bool

	// waitingOn holds the still-unresolved dependency ids while the entry
	// sits in the deferred set.
	waitingOn map[string]struct{}
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	RunID    string        `json:"run_id,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Priority int           `json:"priority,omitempty"`
	Due      time.Time     `json:"due,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Budget   time.Duration `json:"budget,omitempty"`
	WaitsOn  []string      `json:"waits_on,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool          `json:"running"`
	Live     int           `json:"live"`
	Deferred int           `json:"deferred"`
	Capacity int           `json:"capacity"`
	Tick     time.Duration `json:"tick"`

	Executed  uint64 `json:"executed"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
	Deferrals uint64 `json:"deferrals"`
	Overruns  uint64 `json:"overruns"`
	Cancelled uint64 `json:"cancelled"`
}
