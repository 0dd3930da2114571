package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Option customizes a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock replaces the wall clock. Tests use it to drive due-time and
// backoff arithmetic deterministically.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// Scheduler admits delayed, prioritized, dependency-aware tasks and runs them
// on a single dispatch goroutine.
//
// The model is cooperative: an action runs to completion on the dispatch
// goroutine and is never preempted. Its MaxExecTime budget is surfaced
// through the context deadline and checked after the fact. All shared state
// sits behind one mutex, released around action calls so actions may call
// back into Add and Cancel.
type Scheduler struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock

	heap    *fibHeap
	index   map[string]*entry   // live tasks by id (queued, deferred, or executing)
	waiters map[string][]*entry // dependency id -> entries parked on it

	seq     uint64
	running bool
	stopped bool

	stopCh   chan struct{}
	loopDone chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	warnFull    *rate.Limiter
	warnOverrun *rate.Limiter

	executed  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
	deferrals atomic.Uint64
	overruns  atomic.Uint64
	cancelled atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		clock:       realClock{},
		heap:        &fibHeap{},
		index:       make(map[string]*entry),
		waiters:     make(map[string][]*entry),
		stopCh:      make(chan struct{}),
		baseCtx:     ctx,
		baseCancel:  cancel,
		warnFull:    rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		warnOverrun: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add admits a task. Rejections are logged at WARN and surfaced as sentinel
// errors the caller may ignore; in particular a duplicate id is a no-op
// (ErrTaskExists). Admitting a task (re)arms the dispatch loop if it is idle.
func (s *Scheduler) Add(t Task) error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		s.log.Warn("task rejected: empty id")
		return ErrIDEmpty
	}
	if t.Action == nil {
		s.log.Warn("task rejected: nil action", logx.String("task", t.ID))
		return ErrActionNil
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			s.log.Warn("task rejected: depends on itself", logx.String("task", t.ID))
			return ErrSelfDependency
		}
	}
	if t.Retries < 1 {
		t.Retries = 1
	}
	if t.Delay < 0 {
		t.Delay = 0
	}

	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.log.Warn("task rejected: scheduler stopped", logx.String("task", t.ID))
		return ErrSchedulerStopped
	}
	if _, exists := s.index[t.ID]; exists {
		s.mu.Unlock()
		s.log.Warn("task ignored: id already live", logx.String("task", t.ID))
		return ErrTaskExists
	}
	if len(s.index) >= s.cfg.Capacity {
		capacity := s.cfg.Capacity
		s.mu.Unlock()
		s.dropped.Add(1)
		s.publish("task.dropped", now, TaskEvent{ID: t.ID, Priority: t.Priority, Error: "queue_full"})
		if s.warnFull.Allow() {
			s.log.Warn("task dropped: queue full",
				logx.String("task", t.ID),
				logx.Int("capacity", capacity),
				logx.Uint64("dropped", s.dropped.Load()))
		}
		return ErrQueueFull
	}
	s.seq++
	e := &entry{task: t, dueAt: now.Add(t.Delay), seq: s.seq}
	s.index[t.ID] = e
	s.heap.insert(e)
	if !s.running {
		s.running = true
		s.loopDone = make(chan struct{})
		go s.loop(s.cfg.Tick, s.loopDone)
	}
	s.mu.Unlock()

	s.log.Debug("task queued",
		logx.String("task", t.ID),
		logx.Duration("delay", t.Delay),
		logx.Int("priority", t.Priority))
	return nil
}

// Cancel removes a live task before it fires and releases anything deferred
// on it. It returns false when the id is not live. A heap node left behind is
// discarded lazily at extraction time.
func (s *Scheduler) Cancel(id string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.cancelled = true
	delete(s.index, id)
	s.releaseLocked(id, now)
	s.mu.Unlock()

	s.cancelled.Add(1)
	s.publish("task.cancelled", now, TaskEvent{ID: id})
	s.log.Debug("task cancelled", logx.String("task", id))
	return true
}

func (s *Scheduler) loop(tick time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			if s.dispatch() {
				return
			}
		}
	}
}

// dispatch drains every due entry, executing each in heap order on the
// calling goroutine. It reports true when the loop should exit: the
// scheduler stopped, or there is nothing left to watch (lazy-timer policy).
func (s *Scheduler) dispatch() bool {
	for {
		now := s.clock.Now()

		s.mu.Lock()
		if s.stopped {
			s.running = false
			s.mu.Unlock()
			return true
		}
		head := s.heap.findMin()
		if head == nil || head.dueAt.After(now) {
			idle := s.heap.empty() && len(s.waiters) == 0
			if idle {
				s.running = false
			}
			s.mu.Unlock()
			return idle
		}
		e := s.heap.extractMin()
		if e.cancelled {
			s.mu.Unlock()
			continue
		}

		// Dependencies are checked at dispatch time: anything still live
		// parks the entry in the deferred set until it resolves.
		for _, dep := range e.task.DependsOn {
			if _, live := s.index[dep]; !live {
				continue
			}
			if e.waitingOn == nil {
				e.waitingOn = make(map[string]struct{})
			}
			if _, dup := e.waitingOn[dep]; dup {
				continue
			}
			e.waitingOn[dep] = struct{}{}
			s.waiters[dep] = append(s.waiters[dep], e)
		}
		if len(e.waitingOn) > 0 {
			waits := make([]string, 0, len(e.waitingOn))
			for dep := range e.waitingOn {
				waits = append(waits, dep)
			}
			s.mu.Unlock()
			sort.Strings(waits)
			s.deferrals.Add(1)
			s.publish("task.deferred", now, TaskEvent{ID: e.task.ID, WaitsOn: waits})
			s.log.Debug("task deferred", logx.String("task", e.task.ID), logx.Any("waits_on", waits))
			continue
		}

		e.attempt++
		attempt := e.attempt
		task := e.task
		s.mu.Unlock()

		runID := uuid.NewString()
		s.executed.Add(1)
		s.publish("task.started", now, TaskEvent{ID: task.ID, RunID: runID, Attempt: attempt, Retries: task.Retries})
		s.log.Debug("task started",
			logx.String("task", task.ID),
			logx.String("run_id", runID),
			logx.Int("attempt", attempt))

		dur, err := s.runAction(task, runID)
		finished := s.clock.Now()

		// Soft budget: detection only, the action already returned.
		if task.MaxExecTime > 0 && dur > task.MaxExecTime {
			s.overruns.Add(1)
			s.publish("task.overrun", finished, TaskEvent{ID: task.ID, RunID: runID, Attempt: attempt, Duration: dur, Budget: task.MaxExecTime})
			if s.warnOverrun.Allow() {
				s.log.Warn("task exceeded exec budget",
					logx.String("task", task.ID),
					logx.String("run_id", runID),
					logx.Duration("dur", dur),
					logx.Duration("budget", task.MaxExecTime))
			}
		}

		s.mu.Lock()
		if s.stopped {
			s.running = false
			s.mu.Unlock()
			return true
		}
		switch {
		case e.cancelled:
			// Cancelled mid-execution: already unindexed and released.
			s.mu.Unlock()
		case err == nil:
			delete(s.index, task.ID)
			s.releaseLocked(task.ID, finished)
			s.mu.Unlock()
			s.completed.Add(1)
			s.publish("task.completed", finished, TaskEvent{ID: task.ID, RunID: runID, Attempt: attempt, Duration: dur})
			s.log.Debug("task completed",
				logx.String("task", task.ID),
				logx.String("run_id", runID),
				logx.Int("attempt", attempt),
				logx.Duration("dur", dur))
		case attempt < task.Retries:
			delay := retryDelay(s.cfg, attempt)
			e.dueAt = finished.Add(delay)
			due := e.dueAt
			s.heap.insert(e)
			s.mu.Unlock()
			s.retried.Add(1)
			s.publish("task.retry", finished, TaskEvent{ID: task.ID, RunID: runID, Attempt: attempt, Retries: task.Retries, Due: due, Error: err.Error()})
			s.log.Warn("task failed, retrying",
				logx.String("task", task.ID),
				logx.String("run_id", runID),
				logx.Int("attempt", attempt),
				logx.Int("retries", task.Retries),
				logx.Duration("next_in", delay),
				logx.Err(err))
		default:
			delete(s.index, task.ID)
			s.releaseLocked(task.ID, finished)
			s.mu.Unlock()
			s.failed.Add(1)
			s.publish("task.failed", finished, TaskEvent{ID: task.ID, RunID: runID, Attempt: attempt, Retries: task.Retries, Duration: dur, Error: err.Error()})
			s.log.Error("task failed permanently",
				logx.String("task", task.ID),
				logx.String("run_id", runID),
				logx.Int("attempts", attempt),
				logx.Err(err))
		}
	}
}

// runAction executes the action with a budget-deadline context and a panic
// guard, so one bad task can never take down the dispatch loop.
func (s *Scheduler) runAction(t Task, runID string) (dur time.Duration, err error) {
	ctx := s.baseCtx
	cancel := context.CancelFunc(func() {})
	if t.MaxExecTime > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.MaxExecTime)
	}
	start := s.clock.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked",
					logx.String("task", t.ID),
					logx.String("run_id", runID),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Action(ctx)
	}()
	cancel()
	return s.clock.Now().Sub(start), err
}

// releaseLocked resolves dependency id for everything parked on it and
// re-admits fully released entries due-now through a scratch heap melded
// into the main one. Caller holds s.mu.
func (s *Scheduler) releaseLocked(id string, now time.Time) {
	ws := s.waiters[id]
	delete(s.waiters, id)
	if len(ws) == 0 {
		return
	}
	var scratch *fibHeap
	for _, e := range ws {
		delete(e.waitingOn, id)
		if e.cancelled || len(e.waitingOn) > 0 {
			continue
		}
		if scratch == nil {
			scratch = &fibHeap{}
		}
		e.dueAt = now
		scratch.insert(e)
	}
	if scratch != nil {
		n := scratch.size()
		s.heap.merge(scratch)
		s.log.Debug("dependency resolved", logx.String("task", id), logx.Int("released", n))
	}
}

func retryDelay(cfg Config, failures int) time.Duration {
	d := cfg.RetryBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= cfg.RetryBackoffMax {
			return cfg.RetryBackoffMax
		}
	}
	if d > cfg.RetryBackoffMax {
		d = cfg.RetryBackoffMax
	}
	return d
}

// Snapshot is a point-in-time view for diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	parked := make(map[string]struct{})
	for _, ws := range s.waiters {
		for _, e := range ws {
			if !e.cancelled {
				parked[e.task.ID] = struct{}{}
			}
		}
	}
	snap := Snapshot{
		Running:  s.running,
		Live:     len(s.index),
		Deferred: len(parked),
		Capacity: s.cfg.Capacity,
		Tick:     s.cfg.Tick,
	}
	s.mu.Unlock()

	snap.Executed = s.executed.Load()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Retried = s.retried.Load()
	snap.Dropped = s.dropped.Load()
	snap.Deferrals = s.deferrals.Load()
	snap.Overruns = s.overruns.Load()
	snap.Cancelled = s.cancelled.Load()
	return snap
}

// Apply hot-applies scheduler knobs. Capacity and retry spacing take effect
// immediately; a Tick change applies the next time the loop re-arms.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("scheduler config applied",
		logx.Int("capacity", cfg.Capacity),
		logx.Duration("tick", cfg.Tick))
}

// Stop halts the scheduler; pending tasks are discarded, not executed. It is
// idempotent, and concurrent callers all wait for the dispatch loop to
// unwind, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		done := s.loopDone
		running := s.running
		s.mu.Unlock()
		if running && done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.baseCancel()
	discarded := len(s.index)
	s.heap = &fibHeap{}
	s.index = make(map[string]*entry)
	s.waiters = make(map[string][]*entry)
	done := s.loopDone
	running := s.running
	s.mu.Unlock()

	if running && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
			return
		}
	}
	s.log.Info("scheduler stopped", logx.Int("discarded", discarded))
}

func (s *Scheduler) publish(kind string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: kind, At: at, Data: ev})
}
