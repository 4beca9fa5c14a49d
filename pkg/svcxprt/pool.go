package svcxprt

import (
	"context"
	"time"

	uatomic "go.uber.org/atomic"
)

// Pool is one scheduling domain (typically one per CPU or NUMA node, per
// §4 PoolsConfig.Count): a ready queue of schedulable transports, a stack
// of idle worker threads waiting to drain it, and the counters behind the
// §6.3 stats surface.
type Pool struct {
	id     int
	logger *Logger

	ready *readyQueue
	idle  *idleStack

	threadWaitBusy time.Duration
	threadWaitIdle time.Duration

	// perConnLimit is the §6.4 per_connection_limit tunable: the cap on
	// nr_rqsts a transport assigned to this pool may carry before the
	// readiness probe refuses to schedule it further. Zero means
	// unlimited.
	perConnLimit uint32

	stopping uatomic.Bool

	taskPending uatomic.Bool

	packetsArrived  uatomic.Uint64
	socketsEnqueued uatomic.Uint64
	threadsWoken    uatomic.Uint64
	threadsTimedOut uatomic.Uint64
}

// NewPool constructs an idle pool. busyWait/idleWait mirror the kernel's
// two-tier thread_wait: a short wait while the pool has recently been
// busy, a longer one once it has gone quiet (§6.4 thread_wait_busy /
// thread_wait_idle). perConnLimit is the per_connection_limit tunable
// applied to every transport scheduled through this pool.
func NewPool(id int, logger *Logger, busyWait, idleWait time.Duration, perConnLimit uint32) *Pool {
	return &Pool{
		id:             id,
		logger:         logger.WithPool(id),
		ready:          newReadyQueue(),
		idle:           newIdleStack(),
		threadWaitBusy: busyWait,
		threadWaitIdle: idleWait,
		perConnLimit:   perConnLimit,
	}
}

func (p *Pool) ID() int { return p.id }

// PerConnectionLimit returns the per_connection_limit this pool enforces
// (0 = unlimited).
func (p *Pool) PerConnectionLimit() uint32 { return p.perConnLimit }

// Enqueue implements the make-schedulable algorithm (§4.3):
//  1. refuse if the pool is shutting down;
//  2. probe readiness — BUSY must be unset and an event must actually be
//     pending (an unconditional CONN/CLOSE/HANDSHAKE, or a conditional
//     DATA/DEFERRED gated on write space and the per-connection cap);
//     this is what keeps a transport with nothing to do from being
//     dispatched to spin through Recvfrom, and what makes Invariant 4
//     (the slot cap) observable at enqueue time as well as at recv time;
//  3. try to acquire BUSY — if another worker already owns the
//     transport, there is nothing to do, since that worker will observe
//     whatever event caused this call when it next drains the flags;
//  4. stamp EnqueueTime and adopt this pool as the transport's sticky
//     pool if it doesn't have one yet;
//  5. push onto the lock-free ready queue;
//  6. pop one idle worker, if any, and send it a wake signal so it
//     re-polls the ready queue (wake-one, never wake-all).
func (p *Pool) Enqueue(t *Transport) {
	if p.stopping.Load() {
		return
	}
	if !t.readyForSchedule(p.perConnLimit) {
		return
	}
	if !t.TryAcquireBusy() {
		return
	}

	t.EnqueueTime = time.Now()
	if t.Pool == nil {
		t.Pool = p
	}

	p.ready.push(t)
	p.socketsEnqueued.Inc()

	if w := p.idle.popOne(); w != nil {
		p.threadsWoken.Inc()
		select {
		case w.wake <- nil: // wake signal only; receiver re-polls the queue
		default:
		}
	}
}

// Dequeue pops the next ready transport without blocking, or nil.
func (p *Pool) Dequeue() *Transport { return p.ready.pop() }

// wakeNext implements §4.3's wake-next step: called right after a worker
// has dequeued a transport, it wakes one more idle thread if the ready
// queue still has visible work, so a burst of ready transports drains
// across several workers instead of one worker looping through them all
// while its siblings stay parked. This is separate from Enqueue's
// wake-one — that wakes a thread for a newly-ready transport; this wakes
// a thread for work that was already queued behind the one just taken.
func (p *Pool) wakeNext() {
	if !p.ready.peekNonEmpty() {
		return
	}
	if w := p.idle.popOne(); w != nil {
		p.threadsWoken.Inc()
		select {
		case w.wake <- nil:
		default:
		}
	}
}

// WaitForWork blocks the calling worker until a transport is ready, the
// pool is told to stop, or ctx is done. It returns (nil, false) on
// shutdown/cancellation and (t, true) with BUSY already held by the
// caller otherwise.
//
// Sequence: try an immediate pop; if empty, park on the idle stack and
// wait on a private wake channel with a deadline (thread_wait_busy while
// the pool was recently busy, thread_wait_idle once it has been empty for
// a while); on wake, re-poll the queue (the wake is only ever a hint —
// another waiter may have raced ahead and already drained the entry).
func (p *Pool) WaitForWork(ctx context.Context) (*Transport, bool) {
	wait := p.threadWaitBusy
	for {
		if t := p.ready.pop(); t != nil {
			p.wakeNext()
			return t, true
		}
		if p.stopping.Load() {
			return nil, false
		}

		w := &idleWorker{wake: make(chan *Transport, 1)}
		p.idle.park(w)

		timer := time.NewTimer(wait)
		select {
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
			p.idle.remove(w)
			p.threadsTimedOut.Inc()
			wait = p.threadWaitIdle
		case <-ctx.Done():
			timer.Stop()
			p.idle.remove(w)
			return nil, false
		}

		if p.stopping.Load() {
			return nil, false
		}
	}
}

// Stop marks the pool as shutting down; parked workers still block until
// their own wait or ctx cancellation observes it, per Scenario E (workers
// drain on their own schedule, never forcibly interrupted mid-Recv).
func (p *Pool) Stop() { p.stopping.Store(true) }

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool { return p.stopping.Load() }

// WakeUp implements the §6.1 wake_up(service) primitive: set TASK_PENDING
// on this pool and wake one idle thread, for out-of-band service work
// that doesn't have a transport of its own to enqueue. Callers drain
// TaskPending with TakeTaskPending.
func (p *Pool) WakeUp() {
	p.taskPending.Store(true)
	if w := p.idle.popOne(); w != nil {
		p.threadsWoken.Inc()
		select {
		case w.wake <- nil:
		default:
		}
	}
}

// TakeTaskPending reports whether WakeUp was called since the last
// TakeTaskPending, clearing the flag.
func (p *Pool) TakeTaskPending() bool {
	return p.taskPending.CAS(true, false)
}

// Snapshot is one line of the §6.3 stats surface.
type Snapshot struct {
	PoolID          int
	PacketsArrived  uint64
	SocketsEnqueued uint64
	ThreadsWoken    uint64
	ThreadsTimedOut uint64
}

// markMessageArrived bumps messages_arrived for one completed read —
// either a fresh Recvfrom or a resumed deferred request — so the §6.3
// column tracks actual arrivals instead of moving in lockstep with
// sockets_queued.
func (p *Pool) markMessageArrived() { p.packetsArrived.Inc() }

// Stats returns the current counters for this pool.
func (p *Pool) Stats() Snapshot {
	return Snapshot{
		PoolID:          p.id,
		PacketsArrived:  p.packetsArrived.Load(),
		SocketsEnqueued: p.socketsEnqueued.Load(),
		ThreadsWoken:    p.threadsWoken.Load(),
		ThreadsTimedOut: p.threadsTimedOut.Load(),
	}
}
