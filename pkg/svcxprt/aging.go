package svcxprt

import (
	"context"
	"net"
	"sort"
	"time"
)

// DefaultAgePeriod is how often the aging controller sweeps a service's
// temporary connections when no override is configured (§6.4 AGE_PERIOD).
const DefaultAgePeriod = 360 * time.Second

// DefaultMaxTmpConn is the hard cap on simultaneous temporary connections
// per service when no override is configured (§6.4 MAX_TMP_CONN).
const DefaultMaxTmpConn = 1024

// AgingController periodically marks and closes idle temporary
// transports and enforces a hard cap on how many may exist at once (§9).
// Eviction under the hard cap is deliberately oldest-first rather than
// fair or random: the goal is to shed the connections least likely to
// still be in active use, at the cost of a connection that happens to be
// next regardless of its own recent activity.
type AgingController struct {
	svc        *Service
	agePeriod  time.Duration
	maxTmpConn int
	logger     *Logger
}

// NewAgingController builds a controller for svc.
func NewAgingController(svc *Service, agePeriod time.Duration, maxTmpConn int, logger *Logger) *AgingController {
	if agePeriod <= 0 {
		agePeriod = DefaultAgePeriod
	}
	if maxTmpConn <= 0 {
		maxTmpConn = DefaultMaxTmpConn
	}
	return &AgingController{svc: svc, agePeriod: agePeriod, maxTmpConn: maxTmpConn, logger: logger}
}

// Run drives the periodic sweep until ctx is done. Intended to be started
// once per service as a background goroutine.
func (a *AgingController) Run(ctx context.Context) {
	ticker := time.NewTicker(a.agePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Sweep performs one pass of the two-pass aging algorithm (§9):
//   - any temporary transport already carrying OLD is closed now — it
//     survived a full age period since the previous sweep marked it, so
//     it has been idle for at least one period and at most two. A
//     transport is only actually closed here if its refcount is 1 and
//     BUSY is clear, i.e. nothing but the service list itself is holding
//     it and no worker currently owns it; otherwise it is left for the
//     next sweep to re-check, since forcing CLOSE now would just race a
//     worker that's mid-Recv against it;
//   - every other temporary transport still on the list after that is
//     marked OLD, to be closed on the sweep after this one if it is still
//     around and still unmarked-busy.
//
// It then enforces the hard cap independently of aging.
func (a *AgingController) Sweep() {
	var toClose []*Transport
	var toMark []*Transport

	a.svc.mu.RLock()
	for e := a.svc.temp.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.Flags().has(FlagOld) {
			if t.Refcount() == 1 && !t.Flags().has(FlagBusy) {
				t.Get()
				toClose = append(toClose, t)
			}
		} else {
			toMark = append(toMark, t)
		}
	}
	a.svc.mu.RUnlock()

	for _, t := range toClose {
		if a.logger != nil {
			a.logger.Debug("aging: closing idle temporary transport", "remote", t.RemoteText)
		}
		t.SetFlags(FlagClose)
		if t.Pool != nil {
			t.Pool.Enqueue(t)
		}
		t.Put()
	}
	for _, t := range toMark {
		t.SetFlags(FlagOld)
	}

	a.enforceHardCap()
}

// enforceHardCap closes the oldest (by EnqueueTime), non-PEER_VALID
// temporary transports until the service's temporary count is at or below
// maxTmpConn (§4.5: "select the oldest temp transport that does not carry
// PEER_VALID"). Only CLOSE is set here — KILL_TEMP is reserved for
// age_now's address-based eviction, not the periodic hard cap.
func (a *AgingController) enforceHardCap() {
	a.svc.mu.RLock()
	over := a.svc.tmpCount - a.maxTmpConn
	if over <= 0 {
		a.svc.mu.RUnlock()
		return
	}
	candidates := a.evictionCandidatesLocked()
	a.svc.mu.RUnlock()

	a.evictOldest(candidates, over)
}

// enforceHardCapForAccept reserves room for the connection the listener's
// accept step is about to link: if tmp_count is already at or above the
// cap, it evicts exactly one oldest non-PEER_VALID temp before the new
// child is linked (§4.5 "checked on every accept", §8 exactly-at-limit
// boundary, Scenario C).
func (a *AgingController) enforceHardCapForAccept() {
	a.svc.mu.RLock()
	full := a.svc.tmpCount >= a.maxTmpConn
	var candidates []*Transport
	if full {
		candidates = a.evictionCandidatesLocked()
	}
	a.svc.mu.RUnlock()

	if !full {
		return
	}
	a.evictOldest(candidates, 1)
}

// evictionCandidatesLocked collects every temp that doesn't carry
// PEER_VALID. Callers must already hold a.svc.mu (read or write).
func (a *AgingController) evictionCandidatesLocked() []*Transport {
	candidates := make([]*Transport, 0, a.svc.tmpCount)
	for e := a.svc.temp.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.Flags().has(FlagPeerValid) {
			continue
		}
		candidates = append(candidates, t)
	}
	return candidates
}

// evictOldest sorts candidates by EnqueueTime and closes up to n of the
// oldest, taking a reference before enqueueing and dropping it after, per
// §4.5's "take a ref, enqueue it, drop the ref after enqueue".
func (a *AgingController) evictOldest(candidates []*Transport, n int) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EnqueueTime.Before(candidates[j].EnqueueTime)
	})

	for i := 0; i < n && i < len(candidates); i++ {
		t := candidates[i]
		t.Get()
		if a.logger != nil {
			a.logger.Debug("aging: hard cap eviction", "remote", t.RemoteText)
		}
		t.SetFlags(FlagClose)
		if t.Pool != nil {
			t.Pool.Enqueue(t)
		}
		t.Put()
	}
}

// AgeNow implements the §4.5/§8/Scenario F address-based immediate close:
// every temporary transport whose local address matches addr is closed
// immediately, bypassing the OLD mark/sweep delay, with CLOSE|KILL_TEMP
// set so ops.kill_temp_xprt runs at teardown. The permanent list is never
// scanned or touched. Returns the number of transports matched.
func (a *AgingController) AgeNow(addr net.Addr) int {
	target := addr.String()

	a.svc.mu.RLock()
	var matches []*Transport
	for e := a.svc.temp.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.LocalAddr != nil && t.LocalAddr.String() == target {
			t.Get()
			matches = append(matches, t)
		}
	}
	a.svc.mu.RUnlock()

	for _, t := range matches {
		if a.logger != nil {
			a.logger.Debug("aging: address-based immediate close", "local", t.LocalAddr)
		}
		t.SetFlags(FlagClose | FlagKillTemp)
		if t.Pool != nil {
			t.Pool.Enqueue(t)
		}
		t.Put()
	}
	return len(matches)
}
