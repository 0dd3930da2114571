package group

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupRunsAndWaits(t *testing.T) {
	g := New(context.Background())

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		g.Go("worker", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if got := ran.Load(); got != 3 {
		t.Fatalf("ran = %d, want 3", got)
	}
	c := g.Counters()
	if c.Started != 3 || c.Active != 0 {
		t.Fatalf("Counters() = %+v, want Started=3 Active=0", c)
	}
}

func TestGroupErrorIsRetained(t *testing.T) {
	g := New(context.Background())

	boom := errors.New("boom")
	g.Go("failing", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "failing") {
		t.Fatalf("error %q does not carry the goroutine name", err)
	}
}

func TestGroupCanceledReturnIsClean(t *testing.T) {
	g := New(context.Background())
	g.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	g.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("Wait() after cancel = %v, want nil", err)
	}
}

func TestGroupPanicCancelsSiblings(t *testing.T) {
	g := New(context.Background(), WithCancelOnError(true))

	released := make(chan struct{})
	g.Go0("sibling", func(ctx context.Context) {
		<-ctx.Done()
		close(released)
	})
	g.Go0("panicky", func(ctx context.Context) {
		panic("kaboom")
	})

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling was not cancelled after panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait() = %v, want panic error naming the goroutine", err)
	}
}

func TestGroupWaitHonorsDeadline(t *testing.T) {
	g := New(context.Background())
	g.Go("slow", func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}

	// A later Wait with room still joins cleanly.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := g.Wait(ctx2); err != nil {
		t.Fatalf("second Wait() = %v, want nil", err)
	}
}
