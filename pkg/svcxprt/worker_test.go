package svcxprt

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recvOps is a stubOps variant whose Recvfrom/Accept behavior is
// configurable per test.
type recvOps struct {
	stubOps
	recvfrom func(t *Transport) (*RequestCtxt, error)
	accept   func(listener *Transport) (*Transport, error)
}

func (o *recvOps) Recvfrom(t *Transport) (*RequestCtxt, error) {
	if o.recvfrom != nil {
		return o.recvfrom(t)
	}
	return o.stubOps.Recvfrom(t)
}

func (o *recvOps) Accept(listener *Transport) (*Transport, error) {
	if o.accept != nil {
		return o.accept(listener)
	}
	return o.stubOps.Accept(listener)
}

func TestRecvClosedTransportTearsDown(t *testing.T) {
	ops := &recvOps{}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	xp := NewTransport(class, nil)
	xp.SetFlags(FlagClose)

	codec, _ := NewCodec(CodecJSON)
	_, err := Recv(context.Background(), xp, codec)
	if err == nil {
		t.Fatal("expected an error for a closed transport")
	}
	if !xp.Flags().has(FlagDead) {
		t.Fatal("expected Recv to tear down a closed transport")
	}
}

func TestRecvListenerDrivesAccept(t *testing.T) {
	var accepted *Transport
	ops := &recvOps{
		accept: func(listener *Transport) (*Transport, error) {
			accepted = NewTransport(listener.Class, listener.Service)
			return accepted, nil
		},
	}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	listener := NewTransport(class, nil)
	listener.SetFlags(FlagListener)

	codec, _ := NewCodec(CodecJSON)
	rc, err := Recv(context.Background(), listener, codec)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if rc.Transport != accepted {
		t.Fatal("expected the accepted child to be returned as the RequestCtxt's transport")
	}
	if listener.Flags().has(FlagBusy) {
		t.Fatal("expected the listener's BUSY to be released via Received")
	}
}

func TestRecvDeferredResumesBeforeWire(t *testing.T) {
	codec, _ := NewCodec(CodecJSON)
	wireCalled := false
	ops := &recvOps{
		recvfrom: func(t *Transport) (*RequestCtxt, error) {
			wireCalled = true
			return &RequestCtxt{}, nil
		},
	}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	xp := NewTransport(class, nil)

	if _, err := xp.Defer(codec, 42, deferBody{Value: 7}); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	rc, err := Recv(context.Background(), xp, codec)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if wireCalled {
		t.Fatal("expected the deferred record to be resumed instead of hitting the wire")
	}
	if rc.Xid != 42 {
		t.Fatalf("expected xid 42, got %d", rc.Xid)
	}
}

func TestRunWorkerStopsOnHandlerError(t *testing.T) {
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewPool(0, logger, time.Millisecond, time.Millisecond, 0)

	ops := &recvOps{
		recvfrom: func(t *Transport) (*RequestCtxt, error) {
			return &RequestCtxt{}, nil
		},
	}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	xp := NewTransport(class, nil)
	xp.ClearFlags(FlagBusy)
	xp.SetFlags(FlagConn)
	pool.Enqueue(xp)

	codec, _ := NewCodec(CodecJSON)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wantErr := newErr(KindShutdown, "stop", nil)
	err := RunWorker(ctx, pool, codec, func(ctx context.Context, t *Transport, rc *RequestCtxt, recvErr error) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected RunWorker to surface the handler's error, got %v", err)
	}
}

func TestRunWorkerStopsOnContextDone(t *testing.T) {
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewPool(0, logger, 10*time.Millisecond, 10*time.Millisecond, 0)

	codec, _ := NewCodec(CodecJSON)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := RunWorker(ctx, pool, codec, func(ctx context.Context, t *Transport, rc *RequestCtxt, recvErr error) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected a nil error when the context simply expires, got %v", err)
	}
}

func TestRecvDefaultPathAcquiresSlotHeldUntilReply(t *testing.T) {
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewPool(0, logger, time.Millisecond, time.Millisecond, 1)

	var sawNrRqsts int32
	ops := &recvOps{
		recvfrom: func(conn *Transport) (*RequestCtxt, error) {
			sawNrRqsts = conn.NrRequests()
			return &RequestCtxt{}, nil
		},
	}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	xp := NewTransport(class, nil)
	xp.Pool = pool
	xp.SetFlags(FlagOld)
	// BUSY is already held from NewTransport, as when a pool hands xp out.

	codec, _ := NewCodec(CodecJSON)
	rc, err := Recv(context.Background(), xp, codec)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if sawNrRqsts != 1 {
		t.Fatalf("expected Recvfrom to observe the slot reserved by Recv, nr_rqsts=%d", sawNrRqsts)
	}
	if rc.Transport != xp {
		t.Fatal("expected the RequestCtxt's transport to be xp")
	}
	if xp.Flags().has(FlagOld) {
		t.Fatal("expected a successful read to clear OLD")
	}
	if xp.NrRequests() != 1 {
		t.Fatalf("expected the slot to stay reserved until Send releases it, nr_rqsts=%d", xp.NrRequests())
	}
}

func TestRecvDefaultPathSlotUnavailable(t *testing.T) {
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	pool := NewPool(0, logger, time.Millisecond, time.Millisecond, 1)

	wireCalled := false
	ops := &recvOps{
		recvfrom: func(t *Transport) (*RequestCtxt, error) {
			wireCalled = true
			return &RequestCtxt{}, nil
		},
	}
	class := newClass("stub", FamilyUnspecified, 0, ops)
	xp := NewTransport(class, nil)
	xp.Pool = pool
	// BUSY is already held from NewTransport, as when a pool hands xp out.
	xp.TryAcquireSlot(1) // saturate the single slot ahead of Recv

	codec, _ := NewCodec(CodecJSON)
	_, err := Recv(context.Background(), xp, codec)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected KindSlotUnavailable, got %v", err)
	}
	if wireCalled {
		t.Fatal("expected Recv to reject before ever calling down to Recvfrom")
	}
	if xp.Flags().has(FlagBusy) {
		t.Fatal("expected BUSY to still be released via Received on the slot-unavailable path")
	}
}

func TestRecvListenerEnforcesHardCapBeforeAccept(t *testing.T) {
	reg := NewRegistry(nil, "")
	var accepted *Transport
	ops := &recvOps{
		accept: func(listener *Transport) (*Transport, error) {
			accepted = NewTransport(listener.Class, listener.Service)
			return accepted, nil
		},
	}
	class, err := reg.Register("stub", FamilyUnspecified, 0, ops)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := NewService("test", reg, nil)
	aging := NewAgingController(svc, time.Hour, 1, nil)
	svc.Aging = aging

	existing := NewTransport(class, svc)
	existing.LocalAddr = fakeAddr("10.0.0.1:1")
	existing.EnqueueTime = time.Now()
	existing.ClearFlags(FlagBusy)
	svc.AddTemporary(existing)

	listener := NewTransport(class, svc)
	listener.SetFlags(FlagListener)
	svc.addPermanent(listener)

	codec, _ := NewCodec(CodecJSON)
	if _, err := Recv(context.Background(), listener, codec); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if !existing.Flags().has(FlagClose) {
		t.Fatal("expected the hard cap to evict the existing temp connection before the new child was linked")
	}
	if accepted == nil || accepted.Flags().has(FlagClose) {
		t.Fatal("expected the newly accepted child to survive the eviction that made room for it")
	}
}
