package thread

import (
	"context"
	"runtime"
	"sync"

	"github.com/account-login/ctxlog"
)

const kMaxWorkers = 16

type PoolState int

const (
	PoolCreated PoolState = iota
	PoolRunning
	PoolDraining
	PoolStopped
)

// DefaultWorkers is min(NumCPU, 16).
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > kMaxWorkers {
		n = kMaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Pool is the set of workers serving one Queue. It is created explicitly at
// startup and handed to whoever needs it.
type Pool struct {
	q  *Queue
	n  int
	wg sync.WaitGroup

	mu    sync.Mutex
	state PoolState
}

func NewPool(q *Queue, n int) *Pool {
	if n <= 0 {
		n = DefaultWorkers()
	}
	return &Pool{q: q, n: n}
}

func (p *Pool) Queue() *Queue {
	return p.q
}

func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PoolCreated {
		return
	}
	p.state = PoolRunning

	ctxlog.Infof(ctx, "starting %v workers", p.n)
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(ctxlog.Pushf(ctx, "[worker:%v]", i))
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	// workers behave like dedicated threads
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		j := p.q.Wait()
		if j == nil {
			ctxlog.Debugf(ctx, "worker exit")
			return
		}
		j.h.Run()
		p.q.Done(j)
	}
}

// Stop lets queued jobs finish, then waits for every worker to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != PoolRunning {
		p.state = PoolStopped
		p.mu.Unlock()
		return
	}
	p.state = PoolDraining
	p.mu.Unlock()

	p.q.Drain()
	p.wg.Wait()

	p.mu.Lock()
	p.state = PoolStopped
	p.mu.Unlock()
}
