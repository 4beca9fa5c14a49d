package svcxprt

import "time"

// RequestCtxt is the per-upcall context produced by Ops.Recvfrom and
// consumed by Ops.Sendto/ReleaseCtxt (§3). It carries just enough for the
// core to route a reply and account reservation without understanding
// the application's own request/response types.
type RequestCtxt struct {
	Xid       uint64
	Transport *Transport
	Received  time.Time

	// Body is the raw, still-encoded request payload; callers decode it
	// with whatever Codec the transport was configured with.
	Body []byte

	// ReplyHeadLen is the class's estimate of its own reply framing
	// overhead, used by Transport.Reserve before the application-level
	// reply body size is known.
	ReplyHeadLen int64
}
