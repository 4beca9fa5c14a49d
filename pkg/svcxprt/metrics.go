package svcxprt

import (
	"fmt"
	"io"
)

// statsHeader is the fixed header line of the §6.3 stats surface, a
// sequence-file-style table similar in spirit to /proc/net/rpc/*/pool_stat:
// one header line followed by one line per pool.
const statsHeader = "# pool packets-arrived sockets-enqueued threads-woken threads-timedout\n"

// WriteStats renders the stats surface for every pool in the set to w, in
// pool-ID order. The trailing column is always printed as 0: the upstream
// format reserves it for a thread-timeout counter that was never wired
// into the original accounting, and callers of this surface match on
// column position, so the column stays present-but-constant rather than
// being removed.
func WriteStats(w io.Writer, pools []*Pool) error {
	if _, err := io.WriteString(w, statsHeader); err != nil {
		return err
	}
	for _, p := range pools {
		s := p.Stats()
		_, err := fmt.Fprintf(w, "%d %d %d %d 0\n", s.PoolID, s.PacketsArrived, s.SocketsEnqueued, s.ThreadsWoken)
		if err != nil {
			return err
		}
	}
	return nil
}
