package sched

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

var heapBase = time.Unix(1700000000, 0)

func heapEntry(id string, dueOffset time.Duration, priority int, seq uint64) *entry {
	return &entry{
		task:  Task{ID: id, Priority: priority},
		dueAt: heapBase.Add(dueOffset),
		seq:   seq,
	}
}

func drainIDs(t *testing.T, h *fibHeap) []string {
	t.Helper()
	ids := make([]string, 0, h.size())
	for {
		e := h.extractMin()
		if e == nil {
			break
		}
		ids = append(ids, e.task.ID)
	}
	return ids
}

func TestHeapExtractEmpty(t *testing.T) {
	h := &fibHeap{}
	if !h.empty() {
		t.Fatal("new heap should be empty")
	}
	if e := h.extractMin(); e != nil {
		t.Fatalf("extractMin on empty heap = %v, want nil", e.task.ID)
	}
	if e := h.findMin(); e != nil {
		t.Fatalf("findMin on empty heap = %v, want nil", e.task.ID)
	}
}

func TestHeapOrdersByDueTime(t *testing.T) {
	h := &fibHeap{}
	h.insert(heapEntry("c", 50*time.Millisecond, 0, 1))
	h.insert(heapEntry("a", 10*time.Millisecond, 0, 2))
	h.insert(heapEntry("b", 30*time.Millisecond, 0, 3))

	if got := h.size(); got != 3 {
		t.Fatalf("size = %d, want 3", got)
	}
	got := drainIDs(t, h)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", got, want)
		}
	}
	if !h.empty() {
		t.Fatalf("heap not empty after drain, size = %d", h.size())
	}
}

func TestHeapTieBreaks(t *testing.T) {
	t.Run("priority", func(t *testing.T) {
		h := &fibHeap{}
		h.insert(heapEntry("low", 0, 2, 1))
		h.insert(heapEntry("high", 0, 0, 2))
		h.insert(heapEntry("mid", 0, 1, 3))

		got := drainIDs(t, h)
		want := []string{"high", "mid", "low"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("drain order = %v, want %v", got, want)
			}
		}
	})

	t.Run("insertion sequence", func(t *testing.T) {
		h := &fibHeap{}
		h.insert(heapEntry("first", 0, 1, 1))
		h.insert(heapEntry("second", 0, 1, 2))
		h.insert(heapEntry("third", 0, 1, 3))

		got := drainIDs(t, h)
		want := []string{"first", "second", "third"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("drain order = %v, want %v", got, want)
			}
		}
	})
}

func TestHeapFindMinDoesNotRemove(t *testing.T) {
	h := &fibHeap{}
	h.insert(heapEntry("a", 10*time.Millisecond, 0, 1))
	h.insert(heapEntry("b", 20*time.Millisecond, 0, 2))

	for i := 0; i < 3; i++ {
		e := h.findMin()
		if e == nil {
			t.Fatal("findMin = nil, want a")
		}
		if e.task.ID != "a" {
			t.Fatalf("findMin = %s, want a", e.task.ID)
		}
	}
	if got := h.size(); got != 2 {
		t.Fatalf("size after findMin = %d, want 2", got)
	}
}

func TestHeapConsolidation(t *testing.T) {
	// Enough churn to force multi-level linking in consolidate.
	rng := rand.New(rand.NewSource(1))
	h := &fibHeap{}
	const n = 200
	offsets := rng.Perm(n)
	for i, off := range offsets {
		h.insert(heapEntry(fmt.Sprintf("t%03d", off), time.Duration(off)*time.Millisecond, 0, uint64(i+1)))
	}

	prev := time.Duration(-1)
	count := 0
	for {
		e := h.extractMin()
		if e == nil {
			break
		}
		off := e.dueAt.Sub(heapBase)
		if off < prev {
			t.Fatalf("extraction out of order: %v after %v", off, prev)
		}
		prev = off
		count++
	}
	if count != n {
		t.Fatalf("extracted %d entries, want %d", count, n)
	}
}

func TestHeapInterleavedInsertExtract(t *testing.T) {
	h := &fibHeap{}
	h.insert(heapEntry("a", 10*time.Millisecond, 0, 1))
	h.insert(heapEntry("c", 30*time.Millisecond, 0, 2))

	if e := h.extractMin(); e.task.ID != "a" {
		t.Fatalf("first extract = %s, want a", e.task.ID)
	}
	h.insert(heapEntry("b", 20*time.Millisecond, 0, 3))
	h.insert(heapEntry("d", 40*time.Millisecond, 0, 4))

	got := drainIDs(t, h)
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", got, want)
		}
	}
}

func TestHeapMerge(t *testing.T) {
	a := &fibHeap{}
	a.insert(heapEntry("a1", 10*time.Millisecond, 0, 1))
	a.insert(heapEntry("a2", 40*time.Millisecond, 0, 2))

	b := &fibHeap{}
	b.insert(heapEntry("b1", 5*time.Millisecond, 0, 3))
	b.insert(heapEntry("b2", 20*time.Millisecond, 0, 4))
	b.insert(heapEntry("b3", 60*time.Millisecond, 0, 5))

	a.merge(b)
	if got := a.size(); got != 5 {
		t.Fatalf("merged size = %d, want 5", got)
	}
	if !b.empty() {
		t.Fatalf("source heap not emptied by merge, size = %d", b.size())
	}

	got := drainIDs(t, a)
	want := []string{"b1", "a1", "b2", "a2", "b3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order = %v, want %v", got, want)
		}
	}
}

func TestHeapMergeIntoEmpty(t *testing.T) {
	a := &fibHeap{}
	b := &fibHeap{}
	b.insert(heapEntry("b1", 10*time.Millisecond, 0, 1))

	a.merge(b)
	if got := a.size(); got != 1 {
		t.Fatalf("merged size = %d, want 1", got)
	}
	a.merge(nil)
	a.merge(&fibHeap{})
	if got := a.size(); got != 1 {
		t.Fatalf("size after empty merges = %d, want 1", got)
	}
	e := a.extractMin()
	if e == nil {
		t.Fatal("extract after merge = nil, want b1")
	}
	if e.task.ID != "b1" {
		t.Fatalf("extract after merge = %s, want b1", e.task.ID)
	}
}
