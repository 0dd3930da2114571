package supervisor

import "time"

// breaker is a sliding-window circuit breaker for a single child. Failures
// older than the window are pruned before every decision; when the count
// reaches the threshold the circuit opens and stays open until reset is
// called (the supervisor schedules that as a cooldown task). The supervisor's
// mutex guards all access.
type breaker struct {
	threshold int
	window    time.Duration

	failures []time.Time
	open     bool
	openedAt time.Time
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window}
}

// recordFailure notes a failure at now and reports whether this failure
// opened the circuit.
func (b *breaker) recordFailure(now time.Time) bool {
	b.prune(now)
	b.failures = append(b.failures, now)
	if b.open || len(b.failures) < b.threshold {
		return false
	}
	b.open = true
	b.openedAt = now
	return true
}

// reset closes the circuit and clears the window.
func (b *breaker) reset() {
	b.open = false
	b.openedAt = time.Time{}
	b.failures = b.failures[:0]
}

func (b *breaker) isOpen() bool { return b.open }

// count returns how many failures remain inside the window at now.
func (b *breaker) count(now time.Time) int {
	b.prune(now)
	return len(b.failures)
}

func (b *breaker) prune(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cut) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}
