package svcxprt

import (
	"time"
)

// DeferredRequest is one paused upcall: the request's wire-format body
// (encoded through the transport's configured Codec so the store never
// has to understand the concrete request type) plus enough identity to
// resume it later. It is the handle §4.4's defer() hands back, and the
// one revisit(handle, too_many) is later called against.
type DeferredRequest struct {
	Xid       uint64
	Data      []byte
	CreatedAt time.Time

	transport *Transport
}

// Defer suspends rc, encoding body (typically rc.Body) with codec and
// pushing it onto this transport's deferred list. Re-delivery is LIFO
// (stack discipline, §4.5): the most recently deferred request is the
// first one handed back out by RecvFromDeferred, because the common
// reason something gets deferred twice in a row is a retried dependency
// that will resolve in reverse order of arrival.
//
// Defer takes a reference on the transport, held until the matching
// Revisit call drops it — the async upcall that owns the handle has no
// other claim keeping the transport alive while it works.
func (t *Transport) Defer(codec Codec, xid uint64, body interface{}) (*DeferredRequest, error) {
	data, err := codec.Marshal(body)
	if err != nil {
		return nil, newErr(KindOutOfMemory, "encode deferred request", err)
	}
	dr := &DeferredRequest{Xid: xid, Data: data, CreatedAt: time.Now(), transport: t}

	t.Get()
	t.deferredMu.Lock()
	t.deferredList = append(t.deferredList, dr)
	t.deferredMu.Unlock()

	t.SetFlags(FlagDeferred)
	return dr, nil
}

// Revisit implements §4.4's revisit(handle, too_many). If tooMany or the
// transport is already DEAD, the upcall gave up: the record is removed
// from the deferred list under lock and the reference Defer took is
// dropped, and the request is lost. Otherwise the transport is
// re-enqueued so a worker observes DEFERRED and resumes it via
// RecvFromDeferred on its next drain; the Defer reference is dropped
// either way, since by the time a worker dequeues the transport it is
// protected by BUSY like any other schedulable transport.
func (dr *DeferredRequest) Revisit(tooMany bool) {
	t := dr.transport
	if tooMany || t.Flags().has(FlagDead) {
		t.removeDeferred(dr)
		t.Put()
		return
	}
	if t.Pool != nil {
		t.Pool.Enqueue(t)
	}
	t.Put()
}

// removeDeferred drops dr from the deferred list if still present,
// clearing DEFERRED once the list is empty.
func (t *Transport) removeDeferred(dr *DeferredRequest) {
	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()
	for i, d := range t.deferredList {
		if d == dr {
			t.deferredList = append(t.deferredList[:i], t.deferredList[i+1:]...)
			break
		}
	}
	if len(t.deferredList) == 0 {
		t.ClearFlags(FlagDeferred)
	}
}

// dequeueDeferred pops the most recently deferred record (LIFO), or nil
// if the list is empty. Clears DEFERRED once the list is drained.
func (t *Transport) dequeueDeferred() *DeferredRequest {
	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()

	n := len(t.deferredList)
	if n == 0 {
		return nil
	}
	dr := t.deferredList[n-1]
	t.deferredList = t.deferredList[:n-1]
	if len(t.deferredList) == 0 {
		t.ClearFlags(FlagDeferred)
	}
	return dr
}

// RecvFromDeferred is the deferred-store half of Recv (§4.6 step 2): if
// DEFERRED is set, pop and decode the top record into out via codec. The
// round-trip law this maintains is Defer(x) followed eventually by
// exactly one RecvFromDeferred() producing x back, for every x, in
// reverse order of deferral. Returns (false, 0, nil) if there was nothing
// deferred to resume.
func (t *Transport) RecvFromDeferred(codec Codec, out interface{}) (bool, uint64, error) {
	if !t.Flags().has(FlagDeferred) {
		return false, 0, nil
	}
	dr := t.dequeueDeferred()
	if dr == nil {
		return false, 0, nil
	}
	if err := codec.Unmarshal(dr.Data, out); err != nil {
		return false, 0, newErr(KindOutOfMemory, "decode deferred request", err)
	}
	return true, dr.Xid, nil
}

// HasDeferred reports whether any request is currently paused on t.
func (t *Transport) HasDeferred() bool {
	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()
	return len(t.deferredList) > 0
}
