//go:build darwin

package svcxprt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// getPeerCredentials retrieves the peer credentials using LOCAL_PEERCRED
// (macOS-specific). macOS doesn't hand back a PID through this sockopt.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	cred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("getsockopt LOCAL_PEERCRED failed: %w", err)
	}

	var gid uint32
	if cred.Ngroups > 0 {
		gid = cred.Groups[0]
	}

	return &PeerCredentials{
		UID: cred.Uid,
		GID: gid,
		PID: 0,
	}, nil
}
