package sched

// fibNode is a node in the mergeable pending-task heap.
type fibNode struct {
	item *entry

	parent *fibNode
	child  *fibNode
	left   *fibNode
	right  *fibNode
	degree int
}

// fibHeap is a Fibonacci-heap-flavored mergeable min-heap over scheduler
// entries, keyed by due time. insert and merge are O(1) pointer splices into
// a circular root list; extractMin pays the amortized O(log n) consolidation
// bill. There is no decrease-key: a queued entry's due time never moves
// (retries and dependency releases re-insert instead), so nodes carry no
// marked flag and no cascading cuts happen.
type fibHeap struct {
	min *fibNode
	n   int
}

func (h *fibHeap) size() int   { return h.n }
func (h *fibHeap) empty() bool { return h.n == 0 }

// less orders the heap: earliest due time first, then priority (lower runs
// first), then insertion sequence so otherwise-equal entries pop in the order
// they were admitted.
func less(a, b *entry) bool {
	if !a.dueAt.Equal(b.dueAt) {
		return a.dueAt.Before(b.dueAt)
	}
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	return a.seq < b.seq
}

// insert splices e into the root list. O(1).
func (h *fibHeap) insert(e *entry) {
	n := &fibNode{item: e}
	if h.min == nil {
		n.left = n
		n.right = n
		h.min = n
	} else {
		n.left = h.min
		n.right = h.min.right
		h.min.right.left = n
		h.min.right = n
		if less(e, h.min.item) {
			h.min = n
		}
	}
	h.n++
}

// findMin returns the entry extractMin would return, without removing it.
func (h *fibHeap) findMin() *entry {
	if h.min == nil {
		return nil
	}
	return h.min.item
}

// extractMin removes and returns the minimum entry, or nil when empty.
// Children of the removed root are promoted to roots, then the root list is
// consolidated so no two roots share a degree.
func (h *fibHeap) extractMin() *entry {
	z := h.min
	if z == nil {
		return nil
	}

	if z.child != nil {
		// Collect the children first: splicing mutates the ring being walked.
		kids := make([]*fibNode, 0, z.degree)
		c := z.child
		for {
			kids = append(kids, c)
			c = c.right
			if c == z.child {
				break
			}
		}
		for _, k := range kids {
			k.parent = nil
			k.left = z
			k.right = z.right
			z.right.left = k
			z.right = k
		}
		z.child = nil
	}

	z.left.right = z.right
	z.right.left = z.left
	h.n--
	if z == z.right {
		h.min = nil
	} else {
		h.min = z.right
		h.consolidate()
	}
	z.left = nil
	z.right = nil
	return z.item
}

// consolidate links equal-degree roots through a degree table until all root
// degrees are unique, then rebuilds the root list and rescans for the new
// minimum by raw key comparison.
func (h *fibHeap) consolidate() {
	roots := make([]*fibNode, 0, 16)
	r := h.min
	for {
		roots = append(roots, r)
		r = r.right
		if r == h.min {
			break
		}
	}

	// Without decrease-key the trees are binomial, so degree <= log2(n);
	// 64 slots covers any n that fits in memory.
	var byDegree [64]*fibNode
	for _, x := range roots {
		for {
			y := byDegree[x.degree]
			if y == nil {
				break
			}
			byDegree[x.degree] = nil
			if less(y.item, x.item) {
				x, y = y, x
			}
			h.link(y, x)
		}
		byDegree[x.degree] = x
	}

	h.min = nil
	for _, x := range byDegree {
		if x == nil {
			continue
		}
		if h.min == nil {
			x.left = x
			x.right = x
			h.min = x
			continue
		}
		x.left = h.min
		x.right = h.min.right
		h.min.right.left = x
		h.min.right = x
		if less(x.item, h.min.item) {
			h.min = x
		}
	}
}

// link makes y a child of x. Both must be roots; y's old ring links are
// overwritten (the root list is rebuilt by consolidate afterwards).
func (h *fibHeap) link(y, x *fibNode) {
	y.parent = x
	if x.child == nil {
		y.left = y
		y.right = y
		x.child = y
	} else {
		y.left = x.child
		y.right = x.child.right
		x.child.right.left = y
		x.child.right = y
	}
	x.degree++
}

// merge concatenates other's root list into h and leaves other empty. O(1).
// This is the mergeable half of the contract: dependency-released batches are
// built in a scratch heap and melded in one splice.
func (h *fibHeap) merge(other *fibHeap) {
	if other == nil || other.min == nil {
		return
	}
	if h.min == nil {
		h.min = other.min
		h.n = other.n
	} else {
		a, b := h.min, other.min
		ar, bl := a.right, b.left
		a.right = b
		b.left = a
		bl.right = ar
		ar.left = bl
		if less(b.item, a.item) {
			h.min = b
		}
		h.n += other.n
	}
	other.min = nil
	other.n = 0
}
