package svcxprt

import "fmt"

// Kind identifies one of the error categories named in §7 of the
// specification. Kind values are stable and may be matched with errors.Is
// against the sentinel Error values below, or inspected via Error.Kind.
type Kind int

const (
	// KindDuplicateClass: registry conflict on Register.
	KindDuplicateClass Kind = iota
	// KindUnknownClass: lookup miss after one autoload retry.
	KindUnknownClass
	// KindUnsupportedAddressFamily: Create received an unknown sa_family.
	KindUnsupportedAddressFamily
	// KindTransportCreateFailed: the concrete ops.Create failed.
	KindTransportCreateFailed
	// KindModuleGone: class present but its owning module is unloading.
	KindModuleGone
	// KindOutOfMemory: allocation failure for a deferred record or transport.
	KindOutOfMemory
	// KindPeerClosed: Recvfrom signaled disconnection.
	KindPeerClosed
	// KindTimedOut: an upcall exceeded its thread_wait deadline.
	KindTimedOut
	// KindShutdown: pool or service tearing down.
	KindShutdown
	// KindTransportBusyAssertion: received() called without BUSY. Fatal.
	KindTransportBusyAssertion
	// KindSlotUnavailable: per-connection request slot cap (Invariant 4)
	// is saturated; the caller must wait for a ReleaseSlot.
	KindSlotUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateClass:
		return "duplicate_class"
	case KindUnknownClass:
		return "unknown_class"
	case KindUnsupportedAddressFamily:
		return "unsupported_address_family"
	case KindTransportCreateFailed:
		return "transport_create_failed"
	case KindModuleGone:
		return "module_gone"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindPeerClosed:
		return "peer_closed"
	case KindTimedOut:
		return "timed_out"
	case KindShutdown:
		return "shutdown"
	case KindTransportBusyAssertion:
		return "transport_busy_assertion"
	case KindSlotUnavailable:
		return "slot_unavailable"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by framework operations (§7).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &Error{Kind: KindUnknownClass}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// newErr constructs an *Error, wrapping cause if non-nil.
func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// ErrDuplicateClass is a sentinel for errors.Is matching against KindDuplicateClass.
var ErrDuplicateClass = &Error{Kind: KindDuplicateClass}

// ErrUnknownClass is a sentinel for errors.Is matching against KindUnknownClass.
var ErrUnknownClass = &Error{Kind: KindUnknownClass}

// ErrUnsupportedAddressFamily is a sentinel for errors.Is matching against
// KindUnsupportedAddressFamily.
var ErrUnsupportedAddressFamily = &Error{Kind: KindUnsupportedAddressFamily}

// ErrModuleGone is a sentinel for errors.Is matching against KindModuleGone.
var ErrModuleGone = &Error{Kind: KindModuleGone}

// ErrShutdown is a sentinel for errors.Is matching against KindShutdown.
var ErrShutdown = &Error{Kind: KindShutdown}

// ErrSlotUnavailable is a sentinel for errors.Is matching against
// KindSlotUnavailable.
var ErrSlotUnavailable = &Error{Kind: KindSlotUnavailable}
