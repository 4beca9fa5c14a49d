package svcxprt

import "sync/atomic"

// idleWorker is one parked worker thread, linked into the idle Treiber
// stack while it has nothing to do.
type idleWorker struct {
	wake chan *Transport // buffered size 1; receives a nil wake signal
	next atomic.Pointer[idleWorker]
}

// idleStack is a lock-free LIFO of parked workers (the wait side of the
// pool scheduler, §4.3). LIFO rather than FIFO is deliberate: waking the
// most recently parked thread keeps its cache lines warm, the same
// rationale the kernel's wait-queue-as-stack has.
type idleStack struct {
	top atomic.Pointer[idleWorker]
}

func newIdleStack() *idleStack { return &idleStack{} }

// park pushes w onto the stack.
func (s *idleStack) park(w *idleWorker) {
	for {
		top := s.top.Load()
		w.next.Store(top)
		if s.top.CompareAndSwap(top, w) {
			return
		}
	}
}

// popOne pops and returns the most recently parked worker, or nil if no
// worker is idle. This is the "wake one, not all" policy: only a single
// CAS winner is returned, so no thundering herd occurs on a single
// enqueue.
func (s *idleStack) popOne() *idleWorker {
	for {
		top := s.top.Load()
		if top == nil {
			return nil
		}
		next := top.next.Load()
		if s.top.CompareAndSwap(top, next) {
			top.next.Store(nil)
			return top
		}
	}
}

// remove drops w from the stack if it is still parked (used when a
// worker's wait times out and it must stop waiting without being woken
// concurrently). Returns true if w was found and removed.
func (s *idleStack) remove(w *idleWorker) bool {
	for {
		top := s.top.Load()
		if top == nil {
			return false
		}
		if top == w {
			next := w.next.Load()
			if s.top.CompareAndSwap(top, next) {
				return true
			}
			continue
		}
		// Walk the rest of the stack; this path is not lock-free but is only
		// taken on the timeout/unpark race, which is rare relative to the
		// push/pop hot path.
		prev := top
		for {
			cur := prev.next.Load()
			if cur == nil {
				return false
			}
			if cur == w {
				prev.next.Store(cur.next.Load())
				return true
			}
			prev = cur
		}
	}
}
