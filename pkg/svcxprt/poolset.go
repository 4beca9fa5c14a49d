package svcxprt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// PoolSet owns every scheduling pool in a process and hands out a pool
// for a newly created transport in round-robin order, matching the
// kernel's per-CPU svc_pool array (§2, §4.3).
type PoolSet struct {
	pools []*Pool
	next  uint64
	mu    sync.Mutex

	shutdownOnce sync.Once
}

// NewPoolSet constructs count pools sharing busyWait/idleWait/perConnLimit
// tunables.
func NewPoolSet(count int, logger *Logger, busyWait, idleWait time.Duration, perConnLimit uint32) *PoolSet {
	if count < 1 {
		count = 1
	}
	ps := &PoolSet{pools: make([]*Pool, count)}
	for i := 0; i < count; i++ {
		ps.pools[i] = NewPool(i, logger, busyWait, idleWait, perConnLimit)
	}
	return ps
}

// WakeUp implements §6.1's wake_up(service): TASK_PENDING is always set on
// pool 0.
func (ps *PoolSet) WakeUp() {
	if len(ps.pools) > 0 {
		ps.pools[0].WakeUp()
	}
}

// Pools returns the underlying pool slice (read-only use expected).
func (ps *PoolSet) Pools() []*Pool { return ps.pools }

// Pick returns the next pool in round-robin order, for assigning a
// newly-created transport to a home pool.
func (ps *PoolSet) Pick() *Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p := ps.pools[ps.next%uint64(len(ps.pools))]
	ps.next++
	return p
}

// ByID returns the pool with the given ID, or nil.
func (ps *PoolSet) ByID(id int) *Pool {
	if id < 0 || id >= len(ps.pools) {
		return nil
	}
	return ps.pools[id]
}

// Shutdown stops every pool, then runs drain (if non-nil) for each pool
// concurrently and waits for all of them or for ctx, whichever ends first.
// Scenario E requires each pool's workers to drain on their own schedule
// rather than being interrupted mid-Recv; Shutdown therefore only flips
// each pool's stopping flag and lets WaitForWork/worker loops notice it,
// aggregating the errors drain returns (and ctx.Err() if ctx ends first)
// into a single combined error via multierr, so a failure in one pool's
// teardown doesn't hide failures in another's.
func (ps *PoolSet) Shutdown(ctx context.Context, drain func(ctx context.Context, p *Pool) error) error {
	for _, p := range ps.pools {
		p.Stop()
	}

	var (
		mu  sync.Mutex
		err error
	)
	var wg sync.WaitGroup
	wg.Add(len(ps.pools))
	for _, p := range ps.pools {
		go func(p *Pool) {
			defer wg.Done()
			if drain == nil {
				return
			}
			if e := drain(ctx, p); e != nil {
				mu.Lock()
				err = multierr.Append(err, fmt.Errorf("pool %d: %w", p.ID(), e))
				mu.Unlock()
			}
		}(p)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		err = multierr.Append(err, ctx.Err())
		mu.Unlock()
	}

	return err
}
