package svcxprt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	uatomic "go.uber.org/atomic"
)

// Family identifies the address family a transport class accepts.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyUnix
	FamilyINet
	FamilyINet6
)

func (f Family) String() string {
	switch f {
	case FamilyUnix:
		return "unix"
	case FamilyINet:
		return "inet"
	case FamilyINet6:
		return "inet6"
	default:
		return "unspecified"
	}
}

// Ops is the vtable a transport class must implement (§6.2). The core
// never branches on concrete transport type; it only ever calls through
// this interface, mirroring the kernel's svc_xprt_ops function-pointer
// table.
type Ops interface {
	// Create allocates and returns a new transport bound to svc, listening
	// on or connected via addr. Returns a transport with BUSY already set
	// (see NewTransport).
	Create(svc *Service, family Family, addr string, flags Flags) (*Transport, error)

	// Recvfrom drains one request off the transport into a RequestCtxt, or
	// returns KindPeerClosed / KindTimedOut.
	Recvfrom(t *Transport) (*RequestCtxt, error)

	// Sendto writes a reply for the given request context.
	Sendto(t *Transport, rc *RequestCtxt, body []byte) error

	// ReleaseCtxt frees any resources Recvfrom attached to rc.
	ReleaseCtxt(t *Transport, rc *RequestCtxt)

	// Detach is called once, at teardown, before the transport is unlinked
	// from its service.
	Detach(t *Transport)

	// Free is called when the last reference is dropped.
	Free(t *Transport)

	// Accept is called on a listener transport to produce one connected
	// child transport (TEMP set on the child).
	Accept(listener *Transport) (*Transport, error)

	// HasWspace reports whether replies can currently be written.
	HasWspace(t *Transport) bool

	// KillTempXprt is invoked during forced teardown of a TEMP transport
	// ahead of the normal Detach/Free sequence (address-based eviction via
	// AgingController.AgeNow, which sets KILL_TEMP).
	KillTempXprt(t *Transport)

	// Handshake performs class-specific authentication (e.g. the HMAC
	// challenge/response of handshake_hmac.go) and, on success, sets
	// PEER_VALID and attaches Credentials.
	Handshake(t *Transport) error
}

// Class is a registered transport class (§4.1): a name, its capability
// limits, and the Ops vtable that implements it. Owner models the
// kernel's THIS_MODULE reference-count concession in user space: holding
// a Class alive via acquire/release prevents Unregister from completing
// while transports of that class still exist.
type Class struct {
	Name       string
	Family     Family
	MaxPayload int

	Ops Ops

	refs uatomic.Int64
}

func newClass(name string, family Family, maxPayload int, ops Ops) *Class {
	return &Class{Name: name, Family: family, MaxPayload: maxPayload, Ops: ops}
}

func (c *Class) acquire() { c.refs.Inc() }

func (c *Class) release() { c.refs.Dec() }

func (c *Class) inUse() bool { return c.refs.Load() > 0 }

// Autoloader is an optional hook a Registry can be given so Create can
// attempt to load a not-yet-registered class by name once before failing
// (§4.1 step 1). It is called with the prefixed driver name
// (autoPrefix+className, e.g. "proto-tcp" for class "tcp"), mirroring the
// kernel's request_module("%s%s", prefix, class) call; here it is
// whatever the embedding program wants it to mean (e.g. dynamically
// constructing and registering a class, or a no-op).
type Autoloader func(driverName string) error

// Registry is the transport class registry (§4.1). One Registry is
// typically shared by a whole process; Service instances look classes up
// through it when creating transports.
type Registry struct {
	mu         sync.RWMutex
	classes    map[string]*Class
	autoload   Autoloader
	autoPrefix string
}

// NewRegistry returns an empty registry. autoload may be nil, in which
// case Create fails immediately with KindUnknownClass on a lookup miss
// instead of retrying.
func NewRegistry(autoload Autoloader, autoloadPrefix string) *Registry {
	return &Registry{
		classes:    make(map[string]*Class),
		autoload:   autoload,
		autoPrefix: autoloadPrefix,
	}
}

// Register adds a class under name. Returns KindDuplicateClass if the
// name is already taken (§7).
func (r *Registry) Register(name string, family Family, maxPayload int, ops Ops) (*Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[name]; exists {
		return nil, newErr(KindDuplicateClass, fmt.Sprintf("class %q already registered", name), nil)
	}
	c := newClass(name, family, maxPayload, ops)
	r.classes[name] = c
	return c, nil
}

// Unregister removes a class by name. It refuses while any transport of
// that class still holds a reference (KindModuleGone), matching the
// kernel's refusal to unload a module still in use.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.classes[name]
	if !ok {
		return newErr(KindUnknownClass, fmt.Sprintf("class %q not registered", name), nil)
	}
	if c.inUse() {
		return newErr(KindModuleGone, fmt.Sprintf("class %q still has live transports", name), nil)
	}
	delete(r.classes, name)
	return nil
}

// Lookup returns the named class without attempting autoload.
func (r *Registry) Lookup(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// ClassNames returns all registered class names, in no particular order,
// for administrative listing.
func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	return names
}

// PrintXprts implements the §6.1 print_xprts(buf) operation: a
// "<class> <max_payload>\n" line for every registered class.
func (r *Registry) PrintXprts() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for _, name := range r.sortedNames() {
		fmt.Fprintf(&b, "%s %d\n", name, r.classes[name].MaxPayload)
	}
	return b.String()
}

// sortedNames returns registered class names in a stable order; callers
// must already hold r.mu.
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Create implements the §4.1 creation algorithm:
//  1. look the class up by name; on miss, attempt autoload exactly once
//     and retry the lookup;
//  2. acquire a reference on the class (module-reference concession);
//  3. call the class's Ops.Create;
//  4. on success, attach credentials (if any were pre-negotiated) and add
//     the transport to the service's permanent list, then release the
//     caller's implicit BUSY via Received() so schedulable work can flow;
//  5. on failure, release the class reference taken in step 2.
func (r *Registry) Create(svc *Service, className string, family Family, addr string, flags Flags, creds *Credentials) (*Transport, error) {
	class, ok := r.Lookup(className)
	if !ok {
		if r.autoload == nil {
			return nil, newErr(KindUnknownClass, fmt.Sprintf("class %q not found", className), nil)
		}
		driverName := r.autoPrefix + className
		if err := r.autoload(driverName); err != nil {
			return nil, newErr(KindUnknownClass, fmt.Sprintf("autoload of %q failed", driverName), err)
		}
		class, ok = r.Lookup(className)
		if !ok {
			return nil, newErr(KindUnknownClass, fmt.Sprintf("class %q not found after autoload", className), nil)
		}
	}

	if class.Family != FamilyUnspecified && family != FamilyUnspecified && class.Family != family {
		return nil, newErr(KindUnsupportedAddressFamily, fmt.Sprintf("class %q does not serve family %s", className, family), nil)
	}

	class.acquire()

	t, err := class.Ops.Create(svc, family, addr, flags)
	if err != nil {
		class.release()
		return nil, newErr(KindTransportCreateFailed, fmt.Sprintf("class %q create failed", className), err)
	}
	if t.Class == nil {
		t.Class = class
	}

	if creds != nil {
		t.Credentials = *creds
		t.SetFlags(FlagPeerValid)
	}

	if svc != nil {
		svc.addPermanent(t)
	}

	t.Received()

	return t, nil
}
