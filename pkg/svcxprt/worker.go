package svcxprt

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/panics"
)

// Recv is the top-level worker entry point (§4.6): given a transport a
// pool handed out with BUSY already held, produce the next RequestCtxt to
// dispatch, or an error explaining why none is available. The caller must
// eventually call either Send (normal completion), Defer (pause), or let
// teardown happen through Close. Recv itself calls Received to release BUSY
// on every path that doesn't tear the transport down.
//
// Order of checks, in the same priority the kernel's svc_recv gives them:
//  1. CLOSE already set: tear the transport down now instead of trying to
//     read from it.
//  2. LISTENER: enforce the hard cap (§4.5) to make room, then drive one
//     Accept instead of reading a request; the new child transport is
//     handed back via RequestCtxt.Transport with a nil Body so callers
//     can distinguish "accepted a connection" from "read a request".
//  3. Default (data/deferred): try to reserve a per-connection slot
//     (Invariant 4); if reserved, resume the most recently paused
//     request if DEFERRED is set, otherwise call down to the class's
//     Recvfrom. A successful read clears OLD, since it proves the
//     transport is not idle.
func Recv(ctx context.Context, t *Transport, codec Codec) (*RequestCtxt, error) {
	if t.Flags().has(FlagClose) {
		deleteTransport(t)
		return nil, newErr(KindPeerClosed, "transport closed before recv", nil)
	}

	if t.Flags().has(FlagListener) {
		if t.Service != nil && t.Service.Aging != nil {
			t.Service.Aging.enforceHardCapForAccept()
		}
		child, err := t.Class.Ops.Accept(t)
		t.Received()
		if err != nil {
			return nil, newErr(KindTransportCreateFailed, "accept failed", err)
		}
		if t.Service != nil {
			t.Service.AddTemporary(child)
		}
		child.Received()
		return &RequestCtxt{Transport: child}, nil
	}

	limit := uint32(0)
	if t.Pool != nil {
		limit = t.Pool.PerConnectionLimit()
	}
	if !t.TryAcquireSlot(limit) {
		t.Received()
		return nil, newErr(KindSlotUnavailable, "per-connection request slot unavailable", nil)
	}

	if t.Flags().has(FlagDeferred) {
		var body []byte
		ok, xid, err := t.RecvFromDeferred(codec, &body)
		if err != nil {
			t.ReleaseSlot()
			t.Received()
			return nil, err
		}
		if ok {
			t.ClearFlags(FlagOld)
			t.Received()
			if t.Pool != nil {
				t.Pool.markMessageArrived()
			}
			return &RequestCtxt{Xid: xid, Transport: t, Body: body}, nil
		}
	}

	rc, err := t.Class.Ops.Recvfrom(t)
	if err != nil {
		t.ReleaseSlot()
		var svcErr *Error
		if errors.As(err, &svcErr) && svcErr.Kind == KindPeerClosed {
			deleteTransport(t)
			return nil, err
		}
		t.Received()
		return nil, err
	}
	rc.Transport = t
	t.ClearFlags(FlagOld)
	t.Received()
	if t.Pool != nil {
		t.Pool.markMessageArrived()
	}
	return rc, nil
}

// WorkerFunc is one iteration of a worker thread's loop: wait for a
// transport, Recv from it, and handle whatever RequestCtxt (or lack of
// one) results. Returning a non-nil error stops that worker's loop.
type WorkerFunc func(ctx context.Context, t *Transport, rc *RequestCtxt, err error) error

// RunWorker drives one worker thread against pool until ctx is done or fn
// returns an error, recovering panics from fn via
// github.com/sourcegraph/conc/panics so a single bad handler can't take
// the whole pool down silently — the recovered panic is re-raised here
// once the loop has stopped, with its original goroutine stack preserved,
// the same trade-off conc's pool.Pool makes for worker fan-out.
func RunWorker(ctx context.Context, pool *Pool, codec Codec, fn WorkerFunc) (err error) {
	var recovery panics.Catcher

	recovery.Try(func() {
		for {
			t, ok := pool.WaitForWork(ctx)
			if !ok {
				return
			}
			rc, recvErr := Recv(ctx, t, codec)
			if fnErr := fn(ctx, t, rc, recvErr); fnErr != nil {
				err = fnErr
				return
			}
		}
	})

	if rec := recovery.Recovered(); rec != nil {
		rec.Repanic()
	}
	return err
}
