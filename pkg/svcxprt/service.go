package svcxprt

import (
	"container/list"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Service is the owner of one RPC program's transports: the permanent
// list (listeners and long-lived connections) and the temporary list
// (accepted connections subject to aging and the hard cap, §9). All list
// membership changes happen under mu, matching the kernel's single
// sv_lock spinlock per svc_serv.
type Service struct {
	Name     string
	Registry *Registry
	Pools    *PoolSet

	// Aging is consulted by the listener accept path (§4.5, §4.6) to
	// enforce the hard cap before a new temporary connection is linked.
	// Nil disables accept-time cap enforcement (the periodic Sweep, if
	// one is running, still applies).
	Aging *AgingController

	mu   sync.RWMutex
	perm *list.List // *Transport
	temp *list.List // *Transport

	tmpCount int
}

// NewService constructs an empty service bound to reg for class lookups
// and ps for pool assignment.
func NewService(name string, reg *Registry, ps *PoolSet) *Service {
	return &Service{
		Name:     name,
		Registry: reg,
		Pools:    ps,
		perm:     list.New(),
		temp:     list.New(),
	}
}

// addPermanent links t into the permanent list and assigns it a home
// pool if it doesn't have one (round-robin over the service's PoolSet).
func (s *Service) addPermanent(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.serviceElem = s.perm.PushBack(t)
	t.onTempList = false
	if t.Pool == nil && s.Pools != nil {
		t.Pool = s.Pools.Pick()
	}
}

// AddTemporary links t into the temporary list (an accepted connection)
// and marks it TEMP, bumping tmpCount. Used by the listener's accept path
// (Accept op) once it has produced a child transport.
func (s *Service) AddTemporary(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.SetFlags(FlagTemp)
	t.serviceElem = s.temp.PushBack(t)
	t.onTempList = true
	s.tmpCount++
	if t.Pool == nil && s.Pools != nil {
		t.Pool = s.Pools.Pick()
	}
}

// remove unlinks t from whichever list it belongs to. Safe to call more
// than once (a no-op after the first).
func (s *Service) remove(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.serviceElem == nil {
		return
	}
	if t.onTempList {
		s.temp.Remove(t.serviceElem)
		s.tmpCount--
	} else {
		s.perm.Remove(t.serviceElem)
	}
	t.serviceElem = nil
}

// TempCount returns the number of transports currently on the temporary
// list (the aging controller's hard-cap comparand).
func (s *Service) TempCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tmpCount
}

// FindXprt performs a linear scan (matching the kernel's svc_find_xprt)
// over both lists for a transport whose RemoteAddr matches addr, taking a
// reference on the match before returning it so the caller's use of the
// pointer can't race a concurrent teardown. Callers must Put() the result
// when done.
func (s *Service) FindXprt(addr net.Addr) *Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := addr.String()
	for _, lst := range []*list.List{s.perm, s.temp} {
		for e := lst.Front(); e != nil; e = e.Next() {
			t := e.Value.(*Transport)
			if t.RemoteAddr != nil && t.RemoteAddr.String() == target {
				t.Get()
				return t
			}
		}
	}
	return nil
}

// FindListener returns the permanent-list transport carrying LISTENER for
// the given class name, or nil. Used by Accept-driving code to locate the
// listener to accept(2) against.
func (s *Service) FindListener(className string) *Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for e := s.perm.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.Flags().has(FlagListener) && t.Class != nil && t.Class.Name == className {
			t.Get()
			return t
		}
	}
	return nil
}

// XprtNames implements the §6.1 xprt_names(service) operation: a
// "<class> <port>\n" line for every transport on the permanent list. The
// §8 round-trip law requires this to parse back into the same
// {(class, port)} multiset the permanent list itself enumerates, so
// entries with no recognizable class or port are simply omitted rather
// than printed with a placeholder.
func (s *Service) XprtNames() string {
	var b strings.Builder
	s.mu.RLock()
	defer s.mu.RUnlock()
	for e := s.perm.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.Class == nil {
			continue
		}
		port := addrPort(t.LocalAddr)
		if port == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", t.Class.Name, port)
	}
	return b.String()
}

// addrPort extracts the port component of addr's string form, or "" if
// addr is nil or carries no port (e.g. a Unix domain socket path).
func addrPort(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

// Walk calls fn for every transport on both lists, permanent first. fn
// must not mutate service list membership; use Close/DeferClose from
// outside the walk instead.
func (s *Service) Walk(fn func(*Transport)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lst := range []*list.List{s.perm, s.temp} {
		for e := lst.Front(); e != nil; e = e.Next() {
			fn(e.Value.(*Transport))
		}
	}
}
