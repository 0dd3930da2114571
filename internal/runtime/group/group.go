// Package group runs named background goroutines tied to a shared context.
//
// It is the glue for app-level loops (config watch, event log, watchdog):
// every goroutine runs behind a panic boundary, the first error is retained,
// and Wait gives shutdown a bounded join point. Restart semantics for
// long-lived components live in internal/supervisor, not here.
package group

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "warden/pkg/logx"
)

// Group manages goroutines tied to a shared context.
//   - Named goroutines (for logging/debug)
//   - Panic recovery
//   - Optional cancel-on-first-error
//   - Graceful stop with timeout-aware waiting
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	errOnce  sync.Once
	firstErr atomic.Value // stores error

	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	// Counters are best-effort operational metrics.
	started atomic.Uint64
	active  atomic.Int64
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option {
	return func(g *Group) { g.log = log }
}

// WithCancelOnError makes the first non-nil error from any goroutine cancel
// the group context.
func WithCancelOnError(enabled bool) Option {
	return func(g *Group) { g.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Cancel cancels the group context without waiting for goroutines to exit.
func (g *Group) Cancel() { g.cancel() }

// Err returns the first error observed (goroutine error or panic), if any.
func (g *Group) Err() error {
	v := g.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// Counters exposes best-effort goroutine counters. These are operational
// signals only, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (g *Group) Counters() Counters {
	if g == nil {
		return Counters{}
	}
	return Counters{
		Active:  g.active.Load(),
		Started: g.started.Load(),
	}
}

// Go runs fn on a new goroutine under the group context. A panic is recovered
// and recorded as an error; context.Canceled returns are treated as clean.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	g.started.Add(1)
	g.active.Add(1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic in %s: %v", name, r)
				if !g.log.IsZero() {
					g.log.Error("goroutine panicked",
						logx.String("name", name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
				g.setErr(err)
				if g.cancelOnErr {
					g.cancel()
				}
			}
		}()

		if !g.log.IsZero() {
			g.log.Debug("goroutine started", logx.String("name", name))
		}
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.setErr(fmt.Errorf("%s: %w", name, err))
			if g.cancelOnErr {
				g.cancel()
			}
		}
		if !g.log.IsZero() {
			g.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions that don't naturally return an error.
func (g *Group) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	g.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits, bounded by ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx is done. On a full
// join it returns the group's first error, if any.
func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return g.Err()
	}
}

func (g *Group) setErr(err error) {
	if err == nil {
		return
	}
	g.errOnce.Do(func() { g.firstErr.Store(err) })
}
