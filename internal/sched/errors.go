package sched

import "errors"

var (
	ErrIDEmpty          = errors.New("sched: task id is empty")
	ErrActionNil        = errors.New("sched: task action is nil")
	ErrTaskExists       = errors.New("sched: task id already live")
	ErrQueueFull        = errors.New("sched: queue full")
	ErrSelfDependency   = errors.New("sched: task depends on itself")
	ErrSchedulerStopped = errors.New("sched: scheduler stopped")
)
