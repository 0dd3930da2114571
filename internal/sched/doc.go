// Package sched implements the delayed, prioritized task scheduler at the
// core of warden's supervision runtime.
//
// Tasks enter through Add, are ordered by due time (ties broken by priority,
// then admission order) in a mergeable Fibonacci-heap-style queue, and are
// dispatched by a single lazy-armed goroutine ticking at a fixed interval.
// Failed attempts retry with exponential spacing, tasks may defer on other
// live tasks, and execution is cooperative throughout: nothing is ever
// preempted, and no task failure or panic can escape the dispatch loop.
package sched
