package svcxprt

import (
	"net"
	"testing"
)

func TestServiceAddPermanentAssignsPool(t *testing.T) {
	logger := NewLogger(LoggingConfig{Level: "error", Format: "text"})
	ps := NewPoolSet(2, logger, 0, 0, 0)
	svc := NewService("test", NewRegistry(nil, ""), ps)

	xp := NewTransport(nil, svc)
	svc.addPermanent(xp)

	if xp.Pool == nil {
		t.Fatal("expected addPermanent to assign a pool")
	}
}

func TestServiceAddTemporaryTracksCount(t *testing.T) {
	svc := NewService("test", NewRegistry(nil, ""), nil)

	a := NewTransport(nil, svc)
	b := NewTransport(nil, svc)
	svc.AddTemporary(a)
	svc.AddTemporary(b)

	if svc.TempCount() != 2 {
		t.Fatalf("expected tmpCount 2, got %d", svc.TempCount())
	}
	if !a.Flags().has(FlagTemp) || !b.Flags().has(FlagTemp) {
		t.Fatal("expected AddTemporary to set TEMP")
	}

	svc.remove(a)
	if svc.TempCount() != 1 {
		t.Fatalf("expected tmpCount 1 after removing a, got %d", svc.TempCount())
	}

	svc.remove(a) // idempotent
	if svc.TempCount() != 1 {
		t.Fatalf("expected a second remove to be a no-op, got %d", svc.TempCount())
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

func TestServiceFindXprt(t *testing.T) {
	svc := NewService("test", NewRegistry(nil, ""), nil)

	xp := NewTransport(nil, svc)
	xp.RemoteAddr = fakeAddr("10.0.0.1:1234")
	svc.addPermanent(xp)

	found := svc.FindXprt(fakeAddr("10.0.0.1:1234"))
	if found == nil {
		t.Fatal("expected FindXprt to locate the transport")
	}
	defer found.Put()
	if found != xp {
		t.Fatalf("got %p, want %p", found, xp)
	}
	if found.Refcount() != 2 {
		t.Fatalf("expected FindXprt to take a reference, refcount = %d", found.Refcount())
	}

	if svc.FindXprt(fakeAddr("10.0.0.2:1")) != nil {
		t.Fatal("expected no match for an unregistered address")
	}
}

func TestServiceFindListener(t *testing.T) {
	reg := NewRegistry(nil, "")
	class, err := reg.Register("stub", FamilyUnspecified, 0, &stubOps{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService("test", reg, nil)

	xp := NewTransport(class, svc)
	xp.SetFlags(FlagListener)
	svc.addPermanent(xp)

	found := svc.FindListener("stub")
	if found == nil {
		t.Fatal("expected FindListener to find the listener")
	}
	found.Put()

	if svc.FindListener("missing") != nil {
		t.Fatal("expected no match for an unregistered class")
	}
}

func TestServiceWalkVisitsBothLists(t *testing.T) {
	svc := NewService("test", NewRegistry(nil, ""), nil)
	perm := NewTransport(nil, svc)
	temp := NewTransport(nil, svc)
	svc.addPermanent(perm)
	svc.AddTemporary(temp)

	var seen []net.Addr
	visited := 0
	svc.Walk(func(t *Transport) {
		visited++
		seen = append(seen, t.RemoteAddr)
	})
	if visited != 2 {
		t.Fatalf("expected Walk to visit 2 transports, got %d", visited)
	}
}

func TestServiceXprtNames(t *testing.T) {
	reg := NewRegistry(nil, "")
	class, err := reg.Register("stream", FamilyUnspecified, 0, &stubOps{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService("test", reg, nil)

	withPort := NewTransport(class, svc)
	withPort.LocalAddr = fakeAddr("127.0.0.1:1234")
	svc.addPermanent(withPort)

	noPort := NewTransport(class, svc)
	noPort.LocalAddr = fakeAddr("/tmp/sock")
	svc.addPermanent(noPort)

	classless := NewTransport(nil, svc)
	classless.LocalAddr = fakeAddr("127.0.0.1:9999")
	svc.addPermanent(classless)

	got := svc.XprtNames()
	want := "stream 1234\n"
	if got != want {
		t.Fatalf("XprtNames() = %q, want %q", got, want)
	}
}

func TestServiceXprtNamesIgnoresTemporaryList(t *testing.T) {
	reg := NewRegistry(nil, "")
	class, err := reg.Register("stream", FamilyUnspecified, 0, &stubOps{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService("test", reg, nil)

	temp := NewTransport(class, svc)
	temp.LocalAddr = fakeAddr("127.0.0.1:1234")
	svc.AddTemporary(temp)

	if got := svc.XprtNames(); got != "" {
		t.Fatalf("expected the temporary list to be excluded, got %q", got)
	}
}
