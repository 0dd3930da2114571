package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestScheduler wires a scheduler to a fake clock and a bus subscription
// carrying every task event. The loop still ticks in real time; the fake
// clock only drives due-time arithmetic.
func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeClock, <-chan eventbus.Event) {
	t.Helper()
	if cfg.Tick <= 0 {
		cfg.Tick = time.Millisecond
	}
	clk := newFakeClock()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(256, "task.")
	s := New(cfg, logx.Nop(), bus, WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		unsub()
	})
	return s, clk, ch
}

func waitKind(t *testing.T, ch <-chan eventbus.Event, kind string) TaskEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				ev, ok := e.Data.(TaskEvent)
				if !ok {
					t.Fatalf("%s payload is %T, want TaskEvent", kind, e.Data)
				}
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func noopAction(context.Context) error { return nil }

func TestAddValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})

	tests := []struct {
		name string
		task Task
		want error
	}{
		{"empty id", Task{ID: "  ", Action: noopAction}, ErrIDEmpty},
		{"nil action", Task{ID: "a"}, ErrActionNil},
		{"self dependency", Task{ID: "a", Action: noopAction, DependsOn: []string{"a"}}, ErrSelfDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.task); !errors.Is(err, tt.want) {
				t.Fatalf("Add() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAddDuplicateIsNoOp(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	runs := 0
	task := Task{ID: "job", Delay: 20 * time.Millisecond, Action: func(context.Context) error {
		runs++
		return nil
	}}
	if err := s.Add(task); err != nil {
		t.Fatalf("first Add() = %v, want nil", err)
	}
	if err := s.Add(task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("duplicate Add() = %v, want ErrTaskExists", err)
	}

	clk.Advance(20 * time.Millisecond)
	waitKind(t, ch, "task.completed")
	if runs != 1 {
		t.Fatalf("task ran %d times, want 1", runs)
	}

	// The id is free again once the task left the scheduler.
	if err := s.Add(task); err != nil {
		t.Fatalf("re-Add() after completion = %v, want nil", err)
	}
	clk.Advance(20 * time.Millisecond)
	waitKind(t, ch, "task.completed")
	if runs != 2 {
		t.Fatalf("task ran %d times after re-add, want 2", runs)
	}
}

func TestDelayOrdering(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	for _, td := range []struct {
		id    string
		delay time.Duration
	}{
		{"slow", 50 * time.Millisecond},
		{"fast", 10 * time.Millisecond},
		{"mid", 30 * time.Millisecond},
	} {
		id := td.id
		if err := s.Add(Task{ID: id, Delay: td.delay, Action: noopAction}); err != nil {
			t.Fatalf("Add(%s) = %v", id, err)
		}
	}

	clk.Advance(60 * time.Millisecond)

	want := []string{"fast", "mid", "slow"}
	for _, id := range want {
		ev := waitKind(t, ch, "task.completed")
		if ev.ID != id {
			t.Fatalf("completion order: got %s, want %s", ev.ID, id)
		}
	}
}

func TestPriorityBreaksDueTimeTies(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	for _, td := range []struct {
		id       string
		priority int
	}{
		{"background", 2},
		{"urgent", 0},
		{"normal", 1},
	} {
		if err := s.Add(Task{ID: td.id, Delay: 20 * time.Millisecond, Priority: td.priority, Action: noopAction}); err != nil {
			t.Fatalf("Add(%s) = %v", td.id, err)
		}
	}

	clk.Advance(20 * time.Millisecond)

	want := []string{"urgent", "normal", "background"}
	for _, id := range want {
		ev := waitKind(t, ch, "task.completed")
		if ev.ID != id {
			t.Fatalf("completion order: got %s, want %s", ev.ID, id)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	attempts := 0
	err := s.Add(Task{ID: "flaky", Retries: 3, Action: func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	ev := waitKind(t, ch, "task.retry")
	if ev.Attempt != 1 {
		t.Fatalf("retry event attempt = %d, want 1", ev.Attempt)
	}
	clk.Advance(50 * time.Millisecond) // first retry backoff
	done := waitKind(t, ch, "task.completed")
	if done.Attempt != 2 {
		t.Fatalf("completed on attempt %d, want 2", done.Attempt)
	}
	if attempts != 2 {
		t.Fatalf("action ran %d times, want 2", attempts)
	}

	snap := s.Snapshot()
	if snap.Retried != 1 || snap.Completed != 1 || snap.Failed != 0 {
		t.Fatalf("snapshot = retried %d completed %d failed %d, want 1/1/0", snap.Retried, snap.Completed, snap.Failed)
	}
}

func TestRetryExhaustion(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	attempts := 0
	err := s.Add(Task{ID: "doomed", Retries: 3, Action: func(context.Context) error {
		attempts++
		return errors.New("always broken")
	}})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	waitKind(t, ch, "task.retry")
	clk.Advance(50 * time.Millisecond)
	waitKind(t, ch, "task.retry")
	clk.Advance(100 * time.Millisecond) // backoff doubled
	ev := waitKind(t, ch, "task.failed")
	if ev.Attempt != 3 {
		t.Fatalf("failed event attempt = %d, want 3", ev.Attempt)
	}
	if ev.Error == "" {
		t.Fatal("failed event carries no error")
	}
	if attempts != 3 {
		t.Fatalf("action ran %d times, want exactly 3", attempts)
	}

	snap := s.Snapshot()
	if snap.Executed != 3 || snap.Retried != 2 || snap.Failed != 1 || snap.Completed != 0 {
		t.Fatalf("snapshot = executed %d retried %d failed %d completed %d, want 3/2/1/0",
			snap.Executed, snap.Retried, snap.Failed, snap.Completed)
	}
}

func TestRetryDelaySpacing(t *testing.T) {
	cfg := Config{RetryBackoff: 50 * time.Millisecond, RetryBackoffMax: time.Second}.withDefaults()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(cfg, tt.failures); got != tt.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	s, _, ch := newTestScheduler(t, Config{Capacity: 2})

	long := time.Hour
	if err := s.Add(Task{ID: "a", Delay: long, Action: noopAction}); err != nil {
		t.Fatalf("Add(a) = %v", err)
	}
	if err := s.Add(Task{ID: "b", Delay: long, Action: noopAction}); err != nil {
		t.Fatalf("Add(b) = %v", err)
	}
	if err := s.Add(Task{ID: "c", Delay: long, Action: noopAction}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Add(c) = %v, want ErrQueueFull", err)
	}

	ev := waitKind(t, ch, "task.dropped")
	if ev.ID != "c" || ev.Error != "queue_full" {
		t.Fatalf("dropped event = %+v, want id c / queue_full", ev)
	}
	snap := s.Snapshot()
	if snap.Dropped != 1 || snap.Live != 2 {
		t.Fatalf("snapshot = dropped %d live %d, want 1/2", snap.Dropped, snap.Live)
	}
}

func TestCancel(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	ran := false
	if err := s.Add(Task{ID: "victim", Delay: 30 * time.Millisecond, Action: func(context.Context) error {
		ran = true
		return nil
	}}); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	if !s.Cancel("victim") {
		t.Fatal("Cancel() = false, want true")
	}
	if s.Cancel("victim") {
		t.Fatal("second Cancel() = true, want false")
	}
	waitKind(t, ch, "task.cancelled")

	clk.Advance(time.Minute)
	// A sentinel task proves the pipeline moved past the cancelled node.
	if err := s.Add(Task{ID: "sentinel", Action: noopAction}); err != nil {
		t.Fatalf("Add(sentinel) = %v", err)
	}
	ev := waitKind(t, ch, "task.completed")
	if ev.ID != "sentinel" {
		t.Fatalf("completed = %s, want sentinel", ev.ID)
	}
	if ran {
		t.Fatal("cancelled task still executed")
	}
	if got := s.Snapshot().Cancelled; got != 1 {
		t.Fatalf("cancelled counter = %d, want 1", got)
	}
}

func TestDependencyDefersUntilResolved(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	if err := s.Add(Task{ID: "upstream", Delay: 30 * time.Millisecond, Action: noopAction}); err != nil {
		t.Fatalf("Add(upstream) = %v", err)
	}
	if err := s.Add(Task{ID: "downstream", Delay: 5 * time.Millisecond, Action: noopAction, DependsOn: []string{"upstream"}}); err != nil {
		t.Fatalf("Add(downstream) = %v", err)
	}

	clk.Advance(5 * time.Millisecond)
	ev := waitKind(t, ch, "task.deferred")
	if ev.ID != "downstream" || len(ev.WaitsOn) != 1 || ev.WaitsOn[0] != "upstream" {
		t.Fatalf("deferred event = %+v, want downstream waiting on upstream", ev)
	}

	clk.Advance(25 * time.Millisecond)
	first := waitKind(t, ch, "task.completed")
	if first.ID != "upstream" {
		t.Fatalf("first completion = %s, want upstream", first.ID)
	}
	second := waitKind(t, ch, "task.completed")
	if second.ID != "downstream" {
		t.Fatalf("second completion = %s, want downstream", second.ID)
	}
}

func TestDependencyUnknownCountsResolved(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	if err := s.Add(Task{ID: "orphan", Delay: 5 * time.Millisecond, Action: noopAction, DependsOn: []string{"never-existed"}}); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	clk.Advance(5 * time.Millisecond)

	ev := waitKind(t, ch, "task.completed")
	if ev.ID != "orphan" {
		t.Fatalf("completed = %s, want orphan", ev.ID)
	}
	if got := s.Snapshot().Deferrals; got != 0 {
		t.Fatalf("deferrals = %d, want 0", got)
	}
}

func TestDependencyReleaseBatch(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	if err := s.Add(Task{ID: "gate", Delay: 40 * time.Millisecond, Action: noopAction}); err != nil {
		t.Fatalf("Add(gate) = %v", err)
	}
	for _, id := range []string{"w1", "w2", "w3"} {
		if err := s.Add(Task{ID: id, Delay: 5 * time.Millisecond, Action: noopAction, DependsOn: []string{"gate"}}); err != nil {
			t.Fatalf("Add(%s) = %v", id, err)
		}
	}

	clk.Advance(5 * time.Millisecond)
	for i := 0; i < 3; i++ {
		waitKind(t, ch, "task.deferred")
	}

	clk.Advance(35 * time.Millisecond)
	want := []string{"gate", "w1", "w2", "w3"}
	for _, id := range want {
		ev := waitKind(t, ch, "task.completed")
		if ev.ID != id {
			t.Fatalf("completion order: got %s, want %s", ev.ID, id)
		}
	}
}

func TestOverrunWarnsAndCompletes(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	err := s.Add(Task{ID: "laggard", MaxExecTime: 10 * time.Millisecond, Action: func(context.Context) error {
		clk.Advance(25 * time.Millisecond) // simulated slow execution
		return nil
	}})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}

	over := waitKind(t, ch, "task.overrun")
	if over.Budget != 10*time.Millisecond {
		t.Fatalf("overrun budget = %v, want 10ms", over.Budget)
	}
	if over.Duration < 25*time.Millisecond {
		t.Fatalf("overrun duration = %v, want >= 25ms", over.Duration)
	}
	done := waitKind(t, ch, "task.completed")
	if done.ID != "laggard" {
		t.Fatalf("completed = %s, want laggard", done.ID)
	}

	snap := s.Snapshot()
	if snap.Overruns != 1 || snap.Completed != 1 || snap.Failed != 0 {
		t.Fatalf("snapshot = overruns %d completed %d failed %d, want 1/1/0", snap.Overruns, snap.Completed, snap.Failed)
	}
}

func TestMaxExecTimeExposedAsDeadline(t *testing.T) {
	s, _, ch := newTestScheduler(t, Config{})

	var hadDeadline bool
	err := s.Add(Task{ID: "deadline", MaxExecTime: time.Minute, Action: func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	waitKind(t, ch, "task.completed")
	if !hadDeadline {
		t.Fatal("action context carries no deadline")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s, _, ch := newTestScheduler(t, Config{})

	if err := s.Add(Task{ID: "bomb", Action: func(context.Context) error {
		panic("boom")
	}}); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	ev := waitKind(t, ch, "task.failed")
	if !strings.Contains(ev.Error, "boom") {
		t.Fatalf("failure error = %q, want panic payload", ev.Error)
	}

	// The dispatch loop survived.
	if err := s.Add(Task{ID: "after", Action: noopAction}); err != nil {
		t.Fatalf("Add(after) = %v", err)
	}
	done := waitKind(t, ch, "task.completed")
	if done.ID != "after" {
		t.Fatalf("completed = %s, want after", done.ID)
	}
}

func TestLazyLoopIdlesAndRearms(t *testing.T) {
	s, clk, ch := newTestScheduler(t, Config{})

	if err := s.Add(Task{ID: "one", Action: noopAction}); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	waitKind(t, ch, "task.completed")
	waitFor(t, func() bool { return !s.Snapshot().Running })

	// A future due time keeps the heap non-empty so Running stays observable.
	if err := s.Add(Task{ID: "two", Delay: 5 * time.Millisecond, Action: noopAction}); err != nil {
		t.Fatalf("Add() after idle = %v", err)
	}
	if !s.Snapshot().Running {
		t.Fatal("loop did not re-arm on Add")
	}
	clk.Advance(5 * time.Millisecond)
	ev := waitKind(t, ch, "task.completed")
	if ev.ID != "two" {
		t.Fatalf("completed = %s, want two", ev.ID)
	}
}

func TestStopDiscardsPending(t *testing.T) {
	s, clk, _ := newTestScheduler(t, Config{})

	ran := false
	if err := s.Add(Task{ID: "late", Delay: 50 * time.Millisecond, Action: func(context.Context) error {
		ran = true
		return nil
	}}); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx) // idempotent

	if err := s.Add(Task{ID: "rejected", Action: noopAction}); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("Add() after Stop = %v, want ErrSchedulerStopped", err)
	}

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatal("pending task executed after Stop")
	}
	if got := s.Snapshot().Live; got != 0 {
		t.Fatalf("live after Stop = %d, want 0", got)
	}
}

func TestActionsMayAddTasks(t *testing.T) {
	s, _, ch := newTestScheduler(t, Config{})

	err := s.Add(Task{ID: "parent", Action: func(context.Context) error {
		return s.Add(Task{ID: "spawned", Action: noopAction})
	}})
	if err != nil {
		t.Fatalf("Add(parent) = %v", err)
	}

	first := waitKind(t, ch, "task.completed")
	if first.ID != "parent" {
		t.Fatalf("first completion = %s, want parent", first.ID)
	}
	second := waitKind(t, ch, "task.completed")
	if second.ID != "spawned" {
		t.Fatalf("second completion = %s, want spawned", second.ID)
	}
}
