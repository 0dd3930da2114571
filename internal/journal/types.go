package journal

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// Driver values:
//   - "file": dependency-free file backend (JSON Lines)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention bounds how far back prune keeps entries.
	Retention time.Duration

	// QueueSize bounds the recorder's write queue; overflow drops entries.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Entry records one run-history event.
// Keep it compact and schema-stable.
type Entry struct {
	At       time.Time     `json:"at"`
	Kind     string        `json:"kind"`
	RunID    string        `json:"run_id,omitempty"`
	Task     string        `json:"task,omitempty"`
	Child    string        `json:"child,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"dur_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}
