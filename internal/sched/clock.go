package sched

import "time"

// Clock abstracts time so due-time and backoff arithmetic is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
