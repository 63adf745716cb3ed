package recovery

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool supervises the recovery worker goroutines of one data path.
//
// Shutdown happens in two tiers. RequestCancel cancels the pool
// context, which every worker observes at its next record or retry
// sleep. Escalate force-closes each still-registered peer connection
// to break workers blocked inside a network transfer that cannot see
// the context promptly.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	live   atomic.Int32

	mu      sync.Mutex
	closers map[int]io.Closer

	log *zap.Logger
}

// NewPool creates a pool whose workers run under a context derived
// from parent.
func NewPool(parent context.Context, log *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		closers: make(map[int]io.Closer),
		log:     log,
	}
}

// Spawn starts one worker goroutine.
func (p *Pool) Spawn(fn func(ctx context.Context)) {
	p.wg.Add(1)
	p.live.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.live.Add(-1)
		fn(p.ctx)
	}()
}

// Live returns the number of workers that have not exited yet.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

// RequestCancel asks every worker to stop cooperatively.
func (p *Pool) RequestCancel() {
	p.cancel()
}

// RegisterConn makes a worker's active peer connection reachable for
// escalation. Workers register after dialing and unregister before
// closing the connection themselves.
func (p *Pool) RegisterConn(index int, c io.Closer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closers[index] = c
}

// UnregisterConn removes a worker's registered connection.
func (p *Pool) UnregisterConn(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.closers, index)
}

// Escalate force-closes every registered peer connection, unblocking
// workers stuck in network I/O.
func (p *Pool) Escalate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index, c := range p.closers {
		p.log.Warn("escalating shutdown: closing worker connection",
			zap.Int("thread", index))
		c.Close()
		delete(p.closers, index)
	}
}

// JoinAll blocks until every worker exited, then releases the pool
// context.
func (p *Pool) JoinAll() {
	p.wg.Wait()
	p.cancel()
}
