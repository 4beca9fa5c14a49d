package svcxprt

// Send implements the reply path (§4.7): reserve room for the encoded
// body against the transport's reservation, hand the bytes to the
// class's Sendto, then release the request context and the per-connection
// slot TryAcquireSlot reserved for this request/response cycle. Reserve is
// called with the already-known reply length rather than an estimate,
// since by the time Send runs the body has been fully encoded.
func Send(t *Transport, rc *RequestCtxt, body []byte) error {
	defer t.ReleaseSlot()

	t.Reserve(rc.ReplyHeadLen, int64(len(body)))

	err := t.Class.Ops.Sendto(t, rc, body)
	t.Class.Ops.ReleaseCtxt(t, rc)
	if err != nil {
		return newErr(KindPeerClosed, "sendto failed", err)
	}
	return nil
}
