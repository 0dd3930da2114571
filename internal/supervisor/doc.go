// Package supervisor keeps named children running according to per-child
// restart policies, in the style of a process supervision tree.
//
// Restarts are paced with exponential backoff and executed in batches by a
// task on the supervisor-owned scheduler, so a pile-up of failures turns
// into a few orderly sweeps instead of a thundering herd. A per-child
// circuit breaker suppresses restarts for children that fail repeatedly
// inside a sliding window; the circuit closes again after a cooldown.
// Children that use up their restart allowance are abandoned and left for
// an operator.
package supervisor
