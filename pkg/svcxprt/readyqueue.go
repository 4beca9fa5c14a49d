package svcxprt

import "sync/atomic"

// readyNode is the intrusive queue link embedded in every Transport. Using
// an intrusive node (rather than a separate boxed queue element) avoids an
// allocation per enqueue, matching the zero-allocation discipline of the
// kernel's list_head-embedded svc_xprt.
type readyNode struct {
	next atomic.Pointer[Transport]
}

// readyQueue is a Michael-Scott style lock-free MPSC queue of *Transport.
// Invariant 2 (a transport is never linked into more than one queue
// position at a time) is enforced one level up, by Transport.TryAcquireBusy
// gating every call to push: a transport is pushed here at most once
// between being popped and its BUSY bit being released again.
type readyQueue struct {
	head atomic.Pointer[Transport] // dummy sentinel node
	tail atomic.Pointer[Transport]
}

// newReadyQueue returns an empty queue, seeded with a dummy sentinel so
// push/pop never need to special-case the empty-queue transition.
func newReadyQueue() *readyQueue {
	sentinel := &Transport{}
	q := &readyQueue{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// push appends t to the tail. t.readyLink.next must be nil; the caller
// (Pool.Enqueue) guarantees this by only ever pushing a transport it just
// won BUSY ownership of.
func (q *readyQueue) push(t *Transport) {
	t.readyLink.next.Store(nil)
	for {
		tail := q.tail.Load()
		next := tail.readyLink.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.readyLink.next.CompareAndSwap(nil, t) {
				q.tail.CompareAndSwap(tail, t)
				return
			}
		} else {
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// peekNonEmpty reports whether the queue has at least one element, without
// popping it. Used by the pool's wake-next step (§4.3) to decide whether
// more work is visible after a dequeue, so it never disturbs ordering or
// ownership of the element it observes.
func (q *readyQueue) peekNonEmpty() bool {
	head := q.head.Load()
	return head.readyLink.next.Load() != nil
}

// pop removes and returns the head transport, or nil if the queue is
// empty.
func (q *readyQueue) pop() *Transport {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.readyLink.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			return next
		}
	}
}
