package svcxprt

import (
	"container/list"
	"net"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
)

// Flags is the transport's bag of atomic state bits (§3).
type Flags uint32

const (
	FlagBusy Flags = 1 << iota
	FlagConn
	FlagData
	FlagClose
	FlagDead
	FlagTemp
	FlagOld
	FlagListener
	FlagHandshake
	FlagDeferred
	FlagCacheAuth
	FlagKillTemp
	FlagPeerValid
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Credentials is an opaque credential payload attached to a transport,
// produced by a transport's handshake (e.g. the HMAC handshake of
// handshake_hmac.go) or inherited from a listener on accept.
type Credentials struct {
	Principal string
	Peer      PeerCredentials
}

// Transport is the live state for one listener or one connection (§3).
// All mutating access to scheduling state must happen while the caller
// holds BUSY (obtained via Pool.Dequeue/Enqueue) or the Service's list
// lock; see Invariant 1.
type Transport struct {
	Class   *Class
	Service *Service
	Pool    *Pool // assigned on first enqueue; sticky thereafter

	flags    uatomic.Uint32
	refcount uatomic.Int32

	reservedBytes uatomic.Int64
	nrRqsts       uatomic.Int32

	RemoteAddr net.Addr
	LocalAddr  net.Addr
	RemoteText string

	EnqueueTime time.Time
	Credentials Credentials
	NetNS       string // network namespace / tag, opaque to the core

	readyLink readyNode // intrusive node for the lock-free ready queue

	serviceElem *list.Element // membership in Service.perm or Service.temp
	onTempList  bool

	deferredMu   sync.Mutex
	deferredList []*DeferredRequest

	userMu   sync.Mutex
	userList []func(*Transport)

	backchannel bool // true if this transport also carries backchannel traffic

	// UserData is opaque, class-owned state (e.g. the net.Conn and
	// framing.Framer a stream transport keeps per connection). The core
	// never inspects it; it exists so a concrete Ops implementation can
	// attach whatever it needs to the generic Transport rather than
	// maintaining its own side table keyed by transport pointer.
	UserData interface{}
}

// NewTransport constructs a transport with BUSY set and refcount 1, as
// mandated by the lifecycle in §3: "Created by class.create() with BUSY
// set, refcount 1". Concrete Ops.Create implementations call this.
func NewTransport(class *Class, svc *Service) *Transport {
	t := &Transport{
		Class:   class,
		Service: svc,
	}
	t.refcount.Store(1)
	t.flags.Store(uint32(FlagBusy))
	return t
}

// Flags returns the current flag bitset (a snapshot; racy by nature, as
// the spec's own flag bag is).
func (t *Transport) Flags() Flags { return Flags(t.flags.Load()) }

// SetFlags atomically ORs bits into the flag bitset.
func (t *Transport) SetFlags(bits Flags) {
	for {
		old := t.flags.Load()
		if old&uint32(bits) == uint32(bits) {
			return
		}
		if t.flags.CAS(old, old|uint32(bits)) {
			return
		}
	}
}

// ClearFlags atomically clears bits from the flag bitset.
func (t *Transport) ClearFlags(bits Flags) {
	for {
		old := t.flags.Load()
		next := old &^ uint32(bits)
		if next == old {
			return
		}
		if t.flags.CAS(old, next) {
			return
		}
	}
}

// TryAcquireBusy attempts to CAS BUSY from unset to set, returning true on
// success. This is the sole enqueue gate (Invariant 2).
func (t *Transport) TryAcquireBusy() bool {
	for {
		old := t.flags.Load()
		if old&uint32(FlagBusy) != 0 {
			return false
		}
		if t.flags.CAS(old, old|uint32(FlagBusy)) {
			return true
		}
	}
}

// Received clears BUSY with a release barrier and, if any event bit is
// still set, re-enqueues the transport so a future worker observes it.
// Calling Received without BUSY set is a control-flow bug in the caller
// and panics (KindTransportBusyAssertion), per §4.2.
func (t *Transport) Received() {
	if !t.Flags().has(FlagBusy) {
		panic(newErr(KindTransportBusyAssertion, "received() called without BUSY", nil))
	}
	t.ClearFlags(FlagBusy)

	if t.Pool != nil {
		t.Pool.Enqueue(t)
	}
}

// readyForSchedule implements the §4.3 step-1 readiness probe: BUSY must
// be unset, and either an unconditional event (CONN, CLOSE, HANDSHAKE) is
// pending, or a conditional event (DATA, DEFERRED) is pending and the
// class reports write space and the per-connection slot cap (Invariant 4)
// isn't already saturated.
func (t *Transport) readyForSchedule(perConnLimit uint32) bool {
	f := t.Flags()
	if f.has(FlagBusy) {
		return false
	}
	if f.has(FlagConn | FlagClose | FlagHandshake) {
		return true
	}
	if !f.has(FlagData | FlagDeferred) {
		return false
	}
	if !t.HasWspace() {
		return false
	}
	if perConnLimit > 0 && t.NrRequests() >= int32(perConnLimit) {
		return false
	}
	return true
}

// Reserve adjusts the transport's reply-buffer reservation on behalf of a
// request. It reduces the caller's held reservation by
// (oldReserved - (headLen + additionalBytes)), i.e. down to
// headLen + additionalBytes. If that target is not below the current
// reservation, nothing changes. If the reservation shrank, the transport is
// re-enqueued so a thread waiting on space can be woken (§5 Backpressure).
func (t *Transport) Reserve(headLen, additionalBytes int64) {
	want := headLen + additionalBytes
	if want < 0 {
		want = 0
	}
	for {
		old := t.reservedBytes.Load()
		if want >= old {
			return
		}
		if t.reservedBytes.CAS(old, want) {
			if t.Pool != nil {
				t.Pool.Enqueue(t)
			}
			return
		}
	}
}

// ReservedBytes returns the current reservation (Invariant 3: always >= 0
// by construction, since Reserve only lowers it to a non-negative target
// and AddReservation only adds non-negative amounts).
func (t *Transport) ReservedBytes() int64 { return t.reservedBytes.Load() }

// AddReservation increases the reservation held on behalf of a new
// in-flight request.
func (t *Transport) AddReservation(n int64) {
	if n <= 0 {
		return
	}
	t.reservedBytes.Add(n)
}

// NrRequests returns the outstanding request count against this transport.
func (t *Transport) NrRequests() int32 { return t.nrRqsts.Load() }

// TryAcquireSlot increments nr_rqsts if it would not exceed limit (0 means
// unlimited). Returns false if the per-connection cap (Invariant 5) would
// be exceeded. Mirrors the legacy "nr_rqsts < 0 means available" guard
// from §9 by construction: nr_rqsts never goes negative here.
func (t *Transport) TryAcquireSlot(limit uint32) bool {
	for {
		old := t.nrRqsts.Load()
		if old < 0 {
			old = 0
		}
		if limit > 0 && old >= int32(limit) {
			return false
		}
		if t.nrRqsts.CAS(old, old+1) {
			return true
		}
	}
}

// ReleaseSlot decrements nr_rqsts, never below zero.
func (t *Transport) ReleaseSlot() {
	for {
		old := t.nrRqsts.Load()
		if old <= 0 {
			return
		}
		if t.nrRqsts.CAS(old, old-1) {
			return
		}
	}
}

// HasWspace reports whether the class's ops believe there is write space
// (reply-buffer room) on this transport; it defers entirely to the
// concrete Ops, as the core has no visibility into socket buffers.
func (t *Transport) HasWspace() bool {
	if t.Class == nil || t.Class.Ops == nil {
		return true
	}
	return t.Class.Ops.HasWspace(t)
}

// Get takes a reference on the transport.
func (t *Transport) Get() { t.refcount.Inc() }

// Put releases a reference. When the count reaches zero the class's Free
// op is invoked and the class's module reference is released (Invariant
// 5/6: the transport is not deallocated while linked into any service
// list, so Put must only be called after list removal, and only by a
// worker that is itself done touching the transport).
func (t *Transport) Put() {
	if t.refcount.Dec() == 0 {
		if t.Class != nil && t.Class.Ops != nil {
			t.Class.Ops.Free(t)
		}
		if t.Class != nil {
			t.Class.release()
		}
	}
}

// Refcount returns the current reference count (for tests/inspection).
func (t *Transport) Refcount() int32 { return t.refcount.Load() }

// Close sets CLOSE and, if the transport was idle (BUSY unset), tears it
// down immediately. If a worker currently holds BUSY, nothing further is
// needed here: that worker's own Received() unconditionally re-enqueues
// on release, and Recv() checks CLOSE first thing on the next drain, so
// teardown happens there instead (§4.2).
func (t *Transport) Close() {
	t.SetFlags(FlagClose)
	if t.TryAcquireBusy() {
		deleteTransport(t)
	}
}

// DeferClose is a lighter variant for contexts that must not block: it
// sets CLOSE and enqueues without attempting local deletion.
func (t *Transport) DeferClose() {
	t.SetFlags(FlagClose)
	if t.Pool != nil {
		t.Pool.Enqueue(t)
	}
}

// AddUserCallback registers a callback to be invoked exactly once, at
// delete time, after DEAD is set (Invariant 6).
func (t *Transport) AddUserCallback(fn func(*Transport)) {
	t.userMu.Lock()
	defer t.userMu.Unlock()
	t.userList = append(t.userList, fn)
}

// deleteTransport runs the teardown path of §3's Lifecycle: set CLOSE
// (idempotent), call Detach, remove from the service list, drain deferred
// and user-callback lists, drop the final reference. The caller must hold
// BUSY; deleteTransport sets DEAD under that guarantee (Invariant 3: DEAD
// implies CLOSE).
func deleteTransport(t *Transport) {
	t.SetFlags(FlagClose | FlagDead)

	if t.Flags().has(FlagKillTemp) && t.Class != nil && t.Class.Ops != nil {
		t.Class.Ops.KillTempXprt(t)
	}
	if t.Class != nil && t.Class.Ops != nil {
		t.Class.Ops.Detach(t)
	}

	if t.Service != nil {
		t.Service.remove(t)
	}

	for {
		req := t.dequeueDeferred()
		if req == nil {
			break
		}
		// Deferred records orphaned by teardown are simply freed; there is
		// no worker left to resume them against a dead transport. Drop the
		// reference Defer took on the transport's behalf, since Revisit
		// will never be called for this record now.
		t.Put()
	}

	t.userMu.Lock()
	callbacks := t.userList
	t.userList = nil
	t.userMu.Unlock()
	for _, fn := range callbacks {
		fn(t)
	}

	t.Put()
}
