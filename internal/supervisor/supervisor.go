package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/eventbus"
	"warden/internal/sched"
	"warden/pkg/logx"
)

// breakerCloseTaskPrefix namespaces the per-child cooldown tasks on the
// owned scheduler.
const breakerCloseTaskPrefix = "supervisor.breaker-close."

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option customizes a Supervisor at construction time.
type Option func(*Supervisor)

// WithClock replaces the wall clock for the supervisor and its scheduler.
// Intended for tests.
func WithClock(c sched.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

type childState struct {
	child  Child
	policy RestartPolicy
	state  ChildState

	// starting guards against concurrent StartChild calls racing the
	// callback.
	starting bool

	restarts int
	backoff  time.Duration
	brk      *breaker

	// pendingAt is when a scheduled restart becomes ready; zero when no
	// restart is pending.
	pendingAt time.Time

	lastErr   string
	lastErrAt time.Time
}

// Supervisor keeps named children alive according to their restart policy.
// Failed children are restarted with exponential backoff through a shared
// batch task on the supervisor-owned scheduler; children that fail too often
// trip a per-child circuit breaker, and children that exhaust their restart
// allowance are abandoned. Every child callback runs behind a panic boundary,
// so a misbehaving child never takes the process down.
type Supervisor struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock sched.Clock
	sched *sched.Scheduler

	children map[string]*childState
	order    []string

	started bool
	stopped bool

	// batchID is the live restart batch task, empty when none is armed;
	// batchDue is when it fires. batchSeq makes each armed task unique so
	// a new batch can be armed while the previous one is still executing.
	batchID  string
	batchDue time.Time
	batchSeq uint64

	restartsTotal atomic.Uint64
}

// New builds a Supervisor and its owned scheduler. The scheduler is exposed
// through Scheduler so collaborators can admit their own work; its lifetime
// is bound to the supervisor's.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		clock:    realClock{},
		children: make(map[string]*childState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.sched = sched.New(s.cfg.Sched, log.With(logx.String("comp", "sched")), bus, sched.WithClock(s.clock))
	return s
}

// Scheduler returns the supervisor-owned scheduler.
func (s *Supervisor) Scheduler() *sched.Scheduler { return s.sched }

// AddChild registers a child under its name. Registration order is preserved
// for Start and Stop cascades. Adding does not start the child.
func (s *Supervisor) AddChild(c Child) error {
	if c == nil {
		return ErrChildNil
	}
	if sc, ok := c.(specChild); ok {
		if sc.sp.Start == nil || sc.sp.Stop == nil {
			return ErrSpecIncomplete
		}
	}
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return ErrNameEmpty
	}
	if !c.Policy().valid() {
		return ErrPolicyInvalid
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, dup := s.children[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildExists, name)
	}
	s.children[name] = &childState{
		child:   c,
		policy:  c.Policy(),
		state:   StateIdle,
		backoff: s.cfg.InitialBackoff,
		brk:     newBreaker(s.cfg.BreakerThreshold, s.cfg.BreakerWindow),
	}
	s.order = append(s.order, name)
	s.mu.Unlock()

	s.log.Debug("child registered",
		logx.String("child", name),
		logx.String("policy", c.Policy().String()))
	return nil
}

// AddChildSpec registers a child declared from plain functions.
func (s *Supervisor) AddChildSpec(sp ChildSpec) error { return s.AddChild(sp.Child()) }

// Start starts every registered child in registration order. Start failures
// are absorbed into the restart machinery; the first error is returned for
// visibility but the supervisor keeps going.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.started = true
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.publish("supervisor.started", s.clock.Now(), SupEvent{Children: len(names)})
	s.log.Info("supervisor started", logx.Int("children", len(names)))

	var firstErr error
	for _, name := range names {
		if err := s.StartChild(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartChild starts one child. It is a no-op when the child is already
// running. On failure the child enters the restart machinery according to
// its policy, and the start error is returned. A successful manual start
// resets the child's backoff and restart allowance.
func (s *Supervisor) StartChild(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	cs := s.children[name]
	if cs == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildUnknown, name)
	}
	if cs.state == StateRunning || cs.starting {
		s.mu.Unlock()
		return nil
	}
	cs.starting = true
	cs.pendingAt = time.Time{}
	child := cs.child
	policy := cs.policy
	s.mu.Unlock()

	err := s.callChild(ctx, name, "start", child.Start)
	now := s.clock.Now()

	s.mu.Lock()
	cs.starting = false
	if s.stopped {
		s.mu.Unlock()
		if err == nil {
			// Started into a supervisor that stopped meanwhile; undo.
			_ = s.callChild(ctx, name, "stop", child.Stop)
		}
		return ErrStopped
	}
	if err == nil {
		cs.state = StateRunning
		cs.restarts = 0
		cs.backoff = s.cfg.InitialBackoff
		s.mu.Unlock()
		s.publish("child.started", now, ChildEvent{Name: name, Policy: policy.String()})
		s.log.Info("child started",
			logx.String("child", name),
			logx.String("policy", policy.String()))
		return nil
	}
	s.noteFailureLocked(cs, name, now, err)
	if policy == Temporary {
		cs.state = StateExited
	} else {
		s.scheduleRestartLocked(cs, name, now)
	}
	s.mu.Unlock()
	s.publish("child.start_failed", now, ChildEvent{Name: name, Policy: policy.String(), Error: err.Error()})
	s.log.Warn("child start failed", logx.String("child", name), logx.Err(err))
	return err
}

// ReportExit tells the supervisor that a running child has exited on its own.
// A nil err is a clean exit: only Permanent children restart after it.
// Reports for unknown children or children the supervisor does not consider
// running are dropped.
func (s *Supervisor) ReportExit(name string, err error) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	cs := s.children[name]
	if cs == nil {
		s.mu.Unlock()
		s.log.Warn("exit report for unknown child", logx.String("child", name))
		return
	}
	if cs.state != StateRunning {
		// Late or duplicate report.
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.noteFailureLocked(cs, name, now, err)
		if cs.policy == Temporary {
			cs.state = StateExited
		} else {
			s.scheduleRestartLocked(cs, name, now)
		}
		s.mu.Unlock()
		s.publish("child.exited", now, ChildEvent{Name: name, Policy: cs.policy.String(), Error: err.Error()})
		s.log.Warn("child exited with error", logx.String("child", name), logx.Err(err))
		return
	}

	if cs.policy == Permanent {
		s.scheduleRestartLocked(cs, name, now)
	} else {
		cs.state = StateExited
	}
	s.mu.Unlock()
	s.publish("child.exited", now, ChildEvent{Name: name, Policy: cs.policy.String()})
	s.log.Info("child exited", logx.String("child", name))
}

// StopChild stops one child deliberately. A stopped child never restarts
// until started again. The child's Stop callback is invoked only when the
// supervisor considered it running; repeat calls are no-ops.
func (s *Supervisor) StopChild(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cs := s.children[name]
	if cs == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildUnknown, name)
	}
	if cs.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	wasRunning := cs.state == StateRunning
	cs.state = StateStopped
	cs.pendingAt = time.Time{}
	child := cs.child
	s.mu.Unlock()

	var err error
	if wasRunning {
		err = s.callChild(ctx, name, "stop", child.Stop)
	}
	now := s.clock.Now()
	s.publish("child.stopped", now, ChildEvent{Name: name})
	if err != nil {
		s.log.Warn("child stop returned error", logx.String("child", name), logx.Err(err))
		return err
	}
	s.log.Info("child stopped", logx.String("child", name))
	return nil
}

// Stop stops everything exactly once: pending restarts are cleared, the
// owned scheduler is halted (discarding batch and cooldown tasks), and every
// child that is still running is stopped in registration order. After Stop
// the supervisor is inert; repeat calls only re-wait on the scheduler.
func (s *Supervisor) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.sched.Stop(ctx)
		return
	}
	s.stopped = true
	s.batchID = ""
	s.batchDue = time.Time{}
	type target struct {
		name  string
		child Child
		run   bool
	}
	targets := make([]target, 0, len(s.order))
	for _, name := range s.order {
		cs := s.children[name]
		if cs == nil {
			continue
		}
		run := cs.state == StateRunning
		cs.pendingAt = time.Time{}
		if cs.state != StateAbandoned && cs.state != StateExited {
			cs.state = StateStopped
		}
		targets = append(targets, target{name: name, child: cs.child, run: run})
	}
	s.mu.Unlock()

	// Scheduler first so no batch or cooldown task fires mid-cascade.
	s.sched.Stop(ctx)

	now := s.clock.Now()
	for _, tg := range targets {
		if !tg.run {
			continue
		}
		if err := s.callChild(ctx, tg.name, "stop", tg.child.Stop); err != nil {
			s.log.Warn("child stop returned error", logx.String("child", tg.name), logx.Err(err))
		} else {
			s.log.Info("child stopped", logx.String("child", tg.name))
		}
		s.publish("child.stopped", now, ChildEvent{Name: tg.name})
	}

	s.publish("supervisor.stopped", now, SupEvent{Children: len(targets)})
	s.log.Info("supervisor stopped")
}

// Snapshot reports the supervisor, every child, and the owned scheduler.
func (s *Supervisor) Snapshot() Snapshot {
	now := s.clock.Now()

	s.mu.Lock()
	snap := Snapshot{
		Started:  s.started,
		Stopped:  s.stopped,
		Children: make([]ChildStatus, 0, len(s.order)),
	}
	for _, name := range s.order {
		cs := s.children[name]
		if cs == nil {
			continue
		}
		if cs.state == StateAbandoned {
			snap.Abandoned++
		}
		snap.Children = append(snap.Children, ChildStatus{
			Name:        name,
			Policy:      cs.policy.String(),
			State:       cs.state.String(),
			Restarts:    cs.restarts,
			Backoff:     cs.backoff,
			Failures:    cs.brk.count(now),
			BreakerOpen: cs.brk.isOpen(),
			RestartAt:   cs.pendingAt,
			LastErr:     cs.lastErr,
			LastErrAt:   cs.lastErrAt,
		})
	}
	s.mu.Unlock()

	snap.Restarts = s.restartsTotal.Load()
	snap.Scheduler = s.sched.Snapshot()
	return snap
}

// Apply hot-applies supervisor knobs and forwards scheduler settings.
// Breaker changes take effect on the next decision; open circuits and
// pending restarts keep their already-computed times.
func (s *Supervisor) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if cfg.BreakerThreshold != prev.BreakerThreshold || cfg.BreakerWindow != prev.BreakerWindow {
		for _, cs := range s.children {
			cs.brk.threshold = cfg.BreakerThreshold
			cs.brk.window = cfg.BreakerWindow
		}
	}
	s.mu.Unlock()

	s.sched.Apply(cfg.Sched)
	s.log.Debug("supervisor config applied")
}

// noteFailureLocked records a failure against the child and trips its
// breaker when the window fills up. Caller holds s.mu.
func (s *Supervisor) noteFailureLocked(cs *childState, name string, now time.Time, err error) {
	cs.lastErr = err.Error()
	cs.lastErrAt = now
	if !cs.brk.recordFailure(now) {
		return
	}
	s.publish("child.circuit_opened", now, ChildEvent{Name: name, Failures: cs.brk.count(now)})
	s.log.Warn("circuit opened",
		logx.String("child", name),
		logx.Int("failures", cs.brk.count(now)),
		logx.Duration("cooldown", s.cfg.BreakerCooldown))
	s.armBreakerCloseLocked(name)
}

// armBreakerCloseLocked schedules the cooldown task that closes the child's
// circuit. Caller holds s.mu.
func (s *Supervisor) armBreakerCloseLocked(name string) {
	err := s.sched.Add(sched.Task{
		ID:    breakerCloseTaskPrefix + name,
		Delay: s.cfg.BreakerCooldown,
		Action: func(context.Context) error {
			s.closeBreaker(name)
			return nil
		},
	})
	if err != nil && !errors.Is(err, sched.ErrTaskExists) {
		// The circuit stays open until someone intervenes.
		s.log.Error("failed to arm breaker cooldown", logx.String("child", name), logx.Err(err))
	}
}

// closeBreaker runs as the cooldown task. Closing clears the failure window;
// a child that is parked on the open circuit gets a restart scheduled.
func (s *Supervisor) closeBreaker(name string) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	cs := s.children[name]
	if cs == nil || !cs.brk.isOpen() {
		s.mu.Unlock()
		return
	}
	cs.brk.reset()
	if cs.state == StateCircuitOpen && cs.policy != Temporary {
		s.scheduleRestartLocked(cs, name, now)
	}
	s.mu.Unlock()

	s.publish("child.circuit_closed", now, ChildEvent{Name: name})
	s.log.Info("circuit closed", logx.String("child", name))
}

// scheduleRestartLocked marks a restart pending after the child's current
// backoff and arms the shared batch task. It is a no-op when the supervisor
// is stopped, the child's circuit is open, or a restart is already pending.
// Caller holds s.mu.
func (s *Supervisor) scheduleRestartLocked(cs *childState, name string, now time.Time) {
	if s.stopped {
		return
	}
	if cs.brk.isOpen() {
		cs.state = StateCircuitOpen
		s.log.Debug("restart suppressed: circuit open", logx.String("child", name))
		return
	}
	if !cs.pendingAt.IsZero() {
		return
	}
	cs.state = StateBackoff
	cs.pendingAt = now.Add(cs.backoff)
	s.publish("child.restart_scheduled", now, ChildEvent{Name: name, Backoff: cs.backoff, Restarts: cs.restarts})
	s.log.Info("child restart scheduled",
		logx.String("child", name),
		logx.Duration("backoff", cs.backoff),
		logx.Int("restarts", cs.restarts))
	s.armBatchLocked(now, cs.pendingAt)
}

// armBatchLocked makes sure the restart batch fires no later than dueAt,
// cancelling and re-adding the task when the new due time is earlier than
// the armed one. Caller holds s.mu.
func (s *Supervisor) armBatchLocked(now, dueAt time.Time) {
	if s.batchID != "" && !dueAt.Before(s.batchDue) {
		return
	}
	if s.batchID != "" {
		s.sched.Cancel(s.batchID)
		s.batchID = ""
	}
	s.batchSeq++
	id := fmt.Sprintf("supervisor.restart-batch.%d", s.batchSeq)
	delay := dueAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if err := s.sched.Add(sched.Task{ID: id, Delay: delay, Action: s.restartBatch}); err != nil {
		s.log.Error("failed to arm restart batch", logx.Err(err))
		return
	}
	s.batchID = id
	s.batchDue = dueAt
}

// restartBatch drains ready pending restarts, earliest due first, bounded by
// RestartBatchLimit per invocation, and re-arms itself when entries remain.
// Runs on the scheduler's dispatch goroutine.
func (s *Supervisor) restartBatch(ctx context.Context) error {
	s.mu.Lock()
	// This invocation consumes the armed slot; restarts scheduled from here
	// on arm a fresh task.
	s.batchID = ""
	s.batchDue = time.Time{}
	limit := s.cfg.RestartBatchLimit
	s.mu.Unlock()

	for i := 0; i < limit; i++ {
		now := s.clock.Now()

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		name, cs := s.nextReadyLocked(now)
		if cs == nil {
			s.rearmBatchLocked(now)
			s.mu.Unlock()
			return nil
		}
		cs.pendingAt = time.Time{}
		s.mu.Unlock()

		s.restartChild(ctx, name, cs)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if !s.stopped {
		s.rearmBatchLocked(now)
	}
	s.mu.Unlock()
	return nil
}

// nextReadyLocked picks the pending restart with the earliest due time that
// is ready at now; registration order breaks ties. Caller holds s.mu.
func (s *Supervisor) nextReadyLocked(now time.Time) (string, *childState) {
	var bestName string
	var best *childState
	for _, name := range s.order {
		cs := s.children[name]
		if cs == nil || cs.pendingAt.IsZero() || cs.pendingAt.After(now) {
			continue
		}
		if best == nil || cs.pendingAt.Before(best.pendingAt) {
			best, bestName = cs, name
		}
	}
	return bestName, best
}

// rearmBatchLocked arms the batch for the earliest remaining pending restart,
// if any. Caller holds s.mu.
func (s *Supervisor) rearmBatchLocked(now time.Time) {
	var earliest time.Time
	for _, name := range s.order {
		cs := s.children[name]
		if cs == nil || cs.pendingAt.IsZero() {
			continue
		}
		if earliest.IsZero() || cs.pendingAt.Before(earliest) {
			earliest = cs.pendingAt
		}
	}
	if !earliest.IsZero() {
		s.armBatchLocked(now, earliest)
	}
}

// restartChild runs one restart attempt for a child claimed from the batch.
func (s *Supervisor) restartChild(ctx context.Context, name string, cs *childState) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped || cs.state == StateRunning || cs.state == StateStopped || cs.state == StateAbandoned {
		s.mu.Unlock()
		return
	}
	if cs.brk.isOpen() {
		cs.state = StateCircuitOpen
		s.mu.Unlock()
		return
	}
	if cs.restarts >= s.cfg.MaxRestarts {
		cs.state = StateAbandoned
		restarts := cs.restarts
		s.mu.Unlock()
		s.publish("child.abandoned", now, ChildEvent{Name: name, Restarts: restarts})
		s.log.Error("child abandoned: restart allowance exhausted",
			logx.String("child", name),
			logx.Int("restarts", restarts),
			logx.Bool("terminal", true))
		return
	}
	cs.restarts++
	attempt := cs.restarts
	child := cs.child
	s.mu.Unlock()

	s.restartsTotal.Add(1)
	err := s.callChild(ctx, name, "restart", child.Restart)
	now = s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if err == nil {
		cs.state = StateRunning
		cs.backoff = s.cfg.InitialBackoff
		s.mu.Unlock()
		s.publish("child.restarted", now, ChildEvent{Name: name, Restarts: attempt})
		s.log.Info("child restarted", logx.String("child", name), logx.Int("restarts", attempt))
		return
	}
	s.noteFailureLocked(cs, name, now, err)
	cs.backoff *= 2
	if cs.backoff > s.cfg.MaxBackoff {
		cs.backoff = s.cfg.MaxBackoff
	}
	s.scheduleRestartLocked(cs, name, now)
	s.mu.Unlock()

	s.publish("child.restart_failed", now, ChildEvent{Name: name, Restarts: attempt, Error: err.Error()})
	s.log.Warn("child restart failed",
		logx.String("child", name),
		logx.Int("restarts", attempt),
		logx.Err(err))
}

// callChild invokes one child callback behind the panic boundary. A panic
// becomes an error and the stack is logged; nothing propagates.
func (s *Supervisor) callChild(ctx context.Context, name, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s %s: %v", name, op, r)
			s.log.Error("child callback panicked",
				logx.String("child", name),
				logx.String("op", op),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if fn == nil {
		return fmt.Errorf("%s %s: nil callback", name, op)
	}
	return fn(ctx)
}

func (s *Supervisor) publish(kind string, at time.Time, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: kind, At: at, Data: data})
}
