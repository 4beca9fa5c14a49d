package svcxprt

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/example/svcxprt/internal/framing"
	"github.com/example/svcxprt/internal/protocol"
)

// StreamClassName is the name a StreamOps is conventionally registered
// under.
const StreamClassName = "stream"

// StreamOps is a demonstration transport class implementing the full
// Ops vtable (§6.2) over any net.Listener-capable network — Unix domain
// sockets and TCP alike, since both satisfy net.Conn/net.Listener. It
// frames requests with the enhanced internal/framing protocol (magic
// bytes, request ID, CRC32C) and encodes the request/response envelope
// with internal/protocol, so it exercises the same wire stack a real
// program built against this package would.
type StreamOps struct {
	Codec      Codec
	Auth       *HMACAuth // nil disables the HANDSHAKE step
	MaxPayload int

	// Sockets manages the lifecycle of the Unix domain socket files this
	// class listens on: directory creation, permission tightening, and
	// removal once a listener is torn down. Nil disables that bookkeeping
	// (e.g. for TCP-only deployments, where there is no socket file).
	Sockets *SocketManager
}

// streamState is the per-transport connection state stashed in
// Transport.UserData.
type streamState struct {
	listener   net.Listener
	conn       net.Conn
	framer     *framing.Framer
	socketPath string // non-empty for a unix listener managed by Sockets
}

func familyNetwork(family Family) (string, error) {
	switch family {
	case FamilyUnix:
		return "unix", nil
	case FamilyINet:
		return "tcp4", nil
	case FamilyINet6:
		return "tcp6", nil
	case FamilyUnspecified:
		return "tcp", nil
	default:
		return "", newErr(KindUnsupportedAddressFamily, fmt.Sprintf("family %s", family), nil)
	}
}

// Create opens a listener bound to addr and returns a LISTENER transport.
func (s *StreamOps) Create(svc *Service, family Family, addr string, flags Flags) (*Transport, error) {
	network, err := familyNetwork(family)
	if err != nil {
		return nil, err
	}

	if network == "unix" && s.Sockets != nil {
		if err := s.Sockets.EnsureSocketDir(); err != nil {
			return nil, err
		}
		_ = s.Sockets.CleanupSocket(addr) // clear a stale socket file from a prior crash
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	ss := &streamState{listener: ln}
	if network == "unix" && s.Sockets != nil {
		if err := s.Sockets.SetSocketPermissions(addr); err != nil {
			_ = ln.Close()
			return nil, err
		}
		ss.socketPath = addr
	}

	t := NewTransport(nil, svc)
	t.SetFlags(FlagListener | FlagConn | flags)
	t.LocalAddr = ln.Addr()
	t.UserData = ss
	return t, nil
}

// Accept produces one connected child transport from a listener,
// performing the HANDSHAKE exchange inline if Auth is configured.
func (s *StreamOps) Accept(listener *Transport) (*Transport, error) {
	ls, ok := listener.UserData.(*streamState)
	if !ok || ls.listener == nil {
		return nil, fmt.Errorf("accept called on non-listener transport")
	}

	conn, err := ls.listener.Accept()
	if err != nil {
		return nil, err
	}

	child := NewTransport(listener.Class, listener.Service)
	child.SetFlags(FlagConn | FlagTemp)
	child.RemoteAddr = conn.RemoteAddr()
	child.LocalAddr = conn.LocalAddr()
	if child.RemoteAddr != nil {
		child.RemoteText = child.RemoteAddr.String()
	}
	child.UserData = &streamState{conn: conn, framer: framing.NewEnhancedFramer(conn)}

	if s.Auth != nil {
		if err := s.Auth.HandshakeServer(child, conn, ""); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
	} else {
		child.SetFlags(FlagPeerValid)
	}

	return child, nil
}

// Recvfrom reads and decodes one request frame.
func (s *StreamOps) Recvfrom(t *Transport) (*RequestCtxt, error) {
	ss, ok := t.UserData.(*streamState)
	if !ok || ss.framer == nil {
		return nil, newErr(KindPeerClosed, "recvfrom on unconnected transport", nil)
	}

	frame, err := ss.framer.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, newErr(KindPeerClosed, "peer closed connection", err)
		}
		return nil, newErr(KindPeerClosed, "read frame", err)
	}

	var req protocol.Request
	if err := req.Unmarshal(frame.Payload); err != nil {
		return nil, newErr(KindOutOfMemory, "decode request envelope", err)
	}

	return &RequestCtxt{
		Xid:          req.ID,
		Transport:    t,
		Body:         req.Body,
		ReplyHeadLen: int64(framing.FrameHeaderSize),
	}, nil
}

// Sendto encodes body as a response envelope and writes it as a frame.
func (s *StreamOps) Sendto(t *Transport, rc *RequestCtxt, body []byte) error {
	ss, ok := t.UserData.(*streamState)
	if !ok || ss.framer == nil {
		return fmt.Errorf("sendto on unconnected transport")
	}

	resp := &protocol.Response{ID: rc.Xid, OK: true, Body: body}
	data, err := resp.Marshal()
	if err != nil {
		return fmt.Errorf("encode response envelope: %w", err)
	}

	return ss.framer.WriteFrame(framing.NewFrame(rc.Xid, data))
}

// ReleaseCtxt has nothing to free: rc.Body is an independent decoded copy.
func (s *StreamOps) ReleaseCtxt(t *Transport, rc *RequestCtxt) {}

// Detach closes the underlying connection or listener, and for a managed
// Unix socket removes the socket file so a future Create on the same path
// doesn't fail with "address already in use".
func (s *StreamOps) Detach(t *Transport) {
	ss, ok := t.UserData.(*streamState)
	if !ok {
		return
	}
	if ss.conn != nil {
		_ = ss.conn.Close()
	}
	if ss.listener != nil {
		_ = ss.listener.Close()
	}
	if ss.socketPath != "" && s.Sockets != nil {
		_ = s.Sockets.CleanupSocket(ss.socketPath)
	}
}

// Free is a no-op; Detach already released the OS resources.
func (s *StreamOps) Free(t *Transport) {}

// HasWspace always reports true: net.Conn gives no portable way to probe
// write-buffer occupancy, so this class relies on Write blocking/erroring
// instead of pre-checking space.
func (s *StreamOps) HasWspace(t *Transport) bool { return true }

// KillTempXprt forces the connection closed ahead of the normal
// Detach/Free sequence, for address-based eviction (AgeNow).
func (s *StreamOps) KillTempXprt(t *Transport) {
	if ss, ok := t.UserData.(*streamState); ok && ss.conn != nil {
		_ = ss.conn.Close()
	}
}

// Handshake is invoked by callers that want to (re-)run authentication
// outside of Accept, e.g. to rotate credentials on a long-lived
// connection. Accept already performs the initial handshake inline.
func (s *StreamOps) Handshake(t *Transport) error {
	if s.Auth == nil {
		return nil
	}
	ss, ok := t.UserData.(*streamState)
	if !ok || ss.conn == nil {
		return fmt.Errorf("handshake on unconnected transport")
	}
	return s.Auth.HandshakeServer(t, ss.conn, "")
}
