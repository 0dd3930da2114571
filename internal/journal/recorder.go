package journal

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/eventbus"
	"warden/internal/sched"
	"warden/internal/supervisor"
	"warden/internal/trigger"
	logx "warden/pkg/logx"
)

const (
	// ringKeep bounds the in-memory tail served to diagnostics.
	ringKeep = 256

	// appendTimeout bounds one store write. Keep tight to avoid a hung
	// backend wedging the writer.
	appendTimeout = 250 * time.Millisecond

	warnThrottle = 5 * time.Second
)

// Recorder subscribes to the event bus and journals run history.
//
// Writes happen on a dedicated goroutine behind a bounded queue so a slow
// store never blocks publishers; overflow drops entries and warns, throttled.
// The recorder also keeps a small in-memory tail so diagnostics can show
// recent history even when persistence is disabled.
type Recorder struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  Store // may be nil (ring only)
	driver string
	qsize  int

	mu         sync.Mutex
	started    bool
	unsub      func()
	pumpDone   chan struct{}
	writerDone chan struct{}

	rmu  sync.Mutex
	ring []Entry // oldest first

	warnMu        sync.Mutex
	lastDropWarn  time.Time
	lastWriteWarn time.Time

	written atomic.Uint64
	dropped atomic.Uint64
}

// RecorderSnapshot is a lightweight view for diagnostics.
type RecorderSnapshot struct {
	Driver  string `json:"driver"`
	Running bool   `json:"running"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

func NewRecorder(cfg Config, st Store, log logx.Logger, bus eventbus.Bus) *Recorder {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "none"
	}
	return &Recorder{
		log:    log,
		bus:    bus,
		store:  st,
		driver: driver,
		qsize:  cfg.QueueSize,
	}
}

// Start is idempotent.
func (r *Recorder) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.started || r.bus == nil {
		r.mu.Unlock()
		return
	}
	r.started = true

	// Re-seed the tail so a restart still has history to show.
	if r.store != nil {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		if prev, err := r.store.Recent(wctx, ringKeep); err == nil && len(prev) > 0 {
			r.rmu.Lock()
			r.ring = r.ring[:0]
			for i := len(prev) - 1; i >= 0; i-- {
				r.ring = append(r.ring, prev[i])
			}
			r.rmu.Unlock()
		}
		cancel()
	}

	sub, unsub := r.bus.Subscribe(r.qsize, "task.", "child.", "trigger.", "supervisor.")
	r.unsub = unsub
	r.pumpDone = make(chan struct{})

	var queue chan Entry
	if r.store != nil {
		queue = make(chan Entry, r.qsize)
		r.writerDone = make(chan struct{})
		go r.writer(queue, r.writerDone)
	}
	go r.pump(sub, queue, r.pumpDone)
	r.mu.Unlock()
}

// Stop unsubscribes and drains pending writes, bounded by ctx.
func (r *Recorder) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	unsub := r.unsub
	pumpDone := r.pumpDone
	writerDone := r.writerDone
	r.unsub = nil
	r.pumpDone = nil
	r.writerDone = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-ctx.Done():
			return
		}
	}
	if writerDone != nil {
		select {
		case <-writerDone:
		case <-ctx.Done():
		}
	}
}

// Recent returns up to limit remembered entries, newest first.
func (r *Recorder) Recent(limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	r.rmu.Lock()
	defer r.rmu.Unlock()
	n := len(r.ring)
	if n > limit {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(r.ring) - 1; i >= len(r.ring)-n; i-- {
		out = append(out, r.ring[i])
	}
	return out
}

func (r *Recorder) Snapshot() RecorderSnapshot {
	r.mu.Lock()
	running := r.started
	r.mu.Unlock()
	return RecorderSnapshot{
		Driver:  r.driver,
		Running: running,
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
	}
}

// pump drains the subscription, remembers entries in the ring and hands them
// to the writer best-effort. It owns closing the queue.
func (r *Recorder) pump(sub <-chan eventbus.Event, queue chan<- Entry, done chan struct{}) {
	defer close(done)
	if queue != nil {
		defer close(queue)
	}
	for ev := range sub {
		e := entryFromEvent(ev)
		r.remember(e)
		if queue == nil {
			continue
		}
		select {
		case queue <- e:
		default:
			r.noteDrop()
		}
	}
}

func (r *Recorder) writer(queue <-chan Entry, done chan struct{}) {
	defer close(done)
	for e := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.store.Append(ctx, e)
		cancel()
		if err != nil {
			r.noteWriteErr(err)
			continue
		}
		r.written.Add(1)
	}
}

func (r *Recorder) remember(e Entry) {
	r.rmu.Lock()
	r.ring = append(r.ring, e)
	if len(r.ring) > ringKeep {
		r.ring = r.ring[len(r.ring)-ringKeep:]
	}
	r.rmu.Unlock()
}

func (r *Recorder) noteDrop() {
	n := r.dropped.Add(1)
	r.warnMu.Lock()
	throttled := time.Since(r.lastDropWarn) < warnThrottle
	if !throttled {
		r.lastDropWarn = time.Now()
	}
	r.warnMu.Unlock()
	if throttled {
		return
	}
	r.log.Warn("journal queue full, dropping entries", logx.Uint64("dropped", n))
}

func (r *Recorder) noteWriteErr(err error) {
	r.warnMu.Lock()
	throttled := time.Since(r.lastWriteWarn) < warnThrottle
	if !throttled {
		r.lastWriteWarn = time.Now()
	}
	r.warnMu.Unlock()
	if throttled {
		return
	}
	r.log.Warn("journal write failed", logx.Any("err", err))
}

// entryFromEvent flattens a bus event into a journal entry. Unknown payloads
// still record the kind so the timeline stays complete.
func entryFromEvent(ev eventbus.Event) Entry {
	e := Entry{At: ev.At, Kind: ev.Kind}
	switch d := ev.Data.(type) {
	case sched.TaskEvent:
		e.Task = d.ID
		e.RunID = d.RunID
		e.Attempt = d.Attempt
		e.Duration = d.Duration
		e.Error = d.Error
	case supervisor.ChildEvent:
		e.Child = d.Name
		e.Attempt = d.Restarts
		e.Error = d.Error
	case trigger.TriggerEvent:
		e.Task = d.Task
		if e.Task == "" && d.Name != "" {
			e.Task = "trigger." + d.Name
		}
		e.Error = d.Error
	}
	return e
}
