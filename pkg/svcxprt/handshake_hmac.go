package svcxprt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"
)

// HMACAuth implements a challenge/response handshake backing the
// HANDSHAKE flag (§3): a transport carries HANDSHAKE while the exchange
// below is in flight, and on success gets PEER_VALID and CACHE_AUTH set,
// recording that its Credentials may be trusted and reused for
// subsequent requests on the same connection without re-authenticating.
type HMACAuth struct {
	secret []byte
}

// NewHMACAuth creates a new HMAC authenticator with the given secret.
func NewHMACAuth(secret []byte) *HMACAuth {
	return &HMACAuth{secret: secret}
}

// GenerateSecret generates a random secret key.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// AuthenticateClient performs the client side of the handshake.
func (h *HMACAuth) AuthenticateClient(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	response := mac.Sum(nil)

	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	result := make([]byte, 1)
	if _, err := io.ReadFull(conn, result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if result[0] != 1 {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// AuthenticateServer performs the server side of the handshake.
func (h *HMACAuth) AuthenticateServer(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return fmt.Errorf("failed to generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	response := make([]byte, 32)
	if _, err := io.ReadFull(conn, response); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(challenge)
	expected := mac.Sum(nil)

	if !hmac.Equal(response, expected) {
		_, _ = conn.Write([]byte{0})
		return fmt.Errorf("HMAC verification failed")
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return fmt.Errorf("failed to send auth success: %w", err)
	}
	return nil
}

// HandshakeServer drives AuthenticateServer against t's connection and
// updates t's flags on the outcome. Transport classes that support
// HANDSHAKE call this from their Ops.Handshake implementation.
func (h *HMACAuth) HandshakeServer(t *Transport, conn net.Conn, principal string) error {
	t.SetFlags(FlagHandshake)
	defer t.ClearFlags(FlagHandshake)

	if err := h.AuthenticateServer(conn); err != nil {
		return err
	}

	t.Credentials.Principal = principal
	t.SetFlags(FlagPeerValid | FlagCacheAuth)
	return nil
}

// SecretFromString derives a secret from a passphrase.
func SecretFromString(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// SecretFromHex decodes a hex-encoded secret.
func SecretFromHex(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}
