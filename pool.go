package apartment

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type (
	// ThreadPool multiplexes many MessageQueues onto a fixed set of
	// dispatcher threads. Each queue is drained by at most one dispatcher at
	// a time, so objects bound to a tenant queue still observe a single
	// logical thread, though not always the same OS thread.
	ThreadPool struct {
		// Prevent copying
		_ [0]func()

		logger *logiface.Logger[logiface.Event]
		common commonOptions
		budget int
		size   int

		group errgroup.Group

		mu sync.Mutex
		// idle dispatchers, each waiting on its own handoff channel
		idle []chan *queueNotifier
		// pending holds *queueNotifier values, in FIFO order
		pending *queue.Queue
		queues  []*MessageQueue
		// goroutine ids of the dispatchers
		gids        map[uint64]struct{}
		missingIdle uint64
		closed      bool

		joinOnce sync.Once
		joinErr  error
	}

	// PoolStats is a diagnostic snapshot of a ThreadPool.
	PoolStats struct {
		Dispatchers int
		Idle        int
		Pending     int
		Queues      int
		// MissingIdle counts the times work arrived with no idle dispatcher.
		MissingIdle uint64
	}

	// queueNotifier is the Notify of a tenant queue.
	queueNotifier struct {
		pool   *ThreadPool
		queue  *MessageQueue
		posted atomic.Bool
	}
)

// NewThreadPool starts a pool of size dispatchers. A size <= 0 uses the
// pool.size setting, if any, otherwise GOMAXPROCS.
func NewThreadPool(size int, opts ...PoolOption) (*ThreadPool, error) {
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	if size <= 0 && cfg.settings != nil {
		if v, ok := cfg.settings.Int(SettingPoolSize); ok {
			size = v
		}
	}
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}

	p := &ThreadPool{
		common:  cfg.commonOptions,
		budget:  cfg.resolveDispatchBudget(),
		size:    size,
		pending: queue.New(),
		gids:    make(map[uint64]struct{}, size),
	}
	p.logger = componentLogger(cfg.logger, `pool`).Clone().Str(`pool`, cfg.name).Logger()

	for i := 0; i < size; i++ {
		p.group.Go(p.dispatcher)
	}

	p.logger.Debug().
		Int(`size`, size).
		Int(`budget`, p.budget).
		Log(`thread pool started`)

	return p, nil
}

// NewQueue mints a tenant queue, drained by the pool's dispatchers. Options
// not explicitly provided are inherited from the pool.
func (p *ThreadPool) NewQueue(opts ...QueueOption) (*MessageQueue, error) {
	cfg := &queueOptions{commonOptions: p.common}
	cfg.name = ``
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyQueue(cfg); err != nil {
			return nil, err
		}
	}

	n := &queueNotifier{pool: p}
	n.queue = newMessageQueue(n, &cfg.commonOptions)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	p.queues = append(p.queues, n.queue)

	return n.queue, nil
}

// Posted implements Notify.
func (n *queueNotifier) Posted() {
	if n.posted.Swap(true) {
		return
	}
	n.pool.notifyPosted(n)
}

// notifyPosted hands n to an idle dispatcher, or leaves it pending.
func (p *ThreadPool) notifyPosted(n *queueNotifier) {
	p.mu.Lock()
	if i := len(p.idle) - 1; i >= 0 {
		handoff := p.idle[i]
		p.idle[i] = nil
		p.idle = p.idle[:i]
		p.mu.Unlock()
		handoff <- n
		return
	}
	p.pending.Add(n)
	p.missingIdle++
	p.mu.Unlock()
}

// requeue appends n to the tail of the pending FIFO, or hands it to an idle
// dispatcher, without counting a missing idle.
func (p *ThreadPool) requeue(n *queueNotifier) {
	p.mu.Lock()
	if i := len(p.idle) - 1; i >= 0 {
		handoff := p.idle[i]
		p.idle[i] = nil
		p.idle = p.idle[:i]
		p.mu.Unlock()
		handoff <- n
		return
	}
	p.pending.Add(n)
	p.mu.Unlock()
}

func (p *ThreadPool) dispatcher() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := getGoroutineID()
	handoff := make(chan *queueNotifier, 1)

	p.mu.Lock()
	p.gids[gid] = struct{}{}
	p.mu.Unlock()

	for {
		n := p.nextWork(handoff)
		if n == nil {
			return nil
		}
		p.dispatch(gid, n)
	}
}

// nextWork consumes pending work first, else parks the dispatcher as idle.
// It returns nil once the pool is closed and there is nothing pending.
func (p *ThreadPool) nextWork(handoff chan *queueNotifier) *queueNotifier {
	p.mu.Lock()
	if p.pending.Length() != 0 {
		n := p.pending.Remove().(*queueNotifier)
		p.mu.Unlock()
		return n
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.idle = append(p.idle, handoff)
	p.mu.Unlock()
	return <-handoff
}

// dispatch drains at most one budget of n's messages, then either rotates n
// to the back of the pending FIFO, or marks it idle.
func (p *ThreadPool) dispatch(gid uint64, n *queueNotifier) {
	budget := p.budget
	if budget <= 0 {
		budget = max(n.queue.Len(), 1)
	}

	n.queue.process(gid, budget)

	if !n.queue.settle() {
		p.requeue(n)
		return
	}

	n.posted.Store(false)

	// a post may have been swallowed by the flag, between settle and here
	if n.queue.Len() != 0 && !n.posted.Swap(true) {
		p.requeue(n)
	}
}

// Stats returns a diagnostic snapshot.
func (p *ThreadPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Dispatchers: p.size,
		Idle:        len(p.idle),
		Pending:     p.pending.Length(),
		Queues:      len(p.queues),
		MissingIdle: p.missingIdle,
	}
}

// Join stops the pool. Tenant queues stop accepting messages, dispatchers
// finish the work already pending, then exit, after which the tenant queues
// are closed. Join is idempotent, and returns ErrSelfJoin (without blocking)
// if called from one of the pool's dispatchers.
func (p *ThreadPool) Join() error {
	if p.onDispatcher() {
		return ErrSelfJoin
	}
	p.joinOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		queues := p.queues
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()

		for _, q := range queues {
			q.seal()
		}
		for _, handoff := range idle {
			handoff <- nil
		}

		p.joinErr = p.group.Wait()

		var dropped int
		for _, q := range queues {
			dropped += q.Close()
		}

		p.logger.Debug().
			Int(`queues`, len(queues)).
			Int(`dropped`, dropped).
			Log(`thread pool joined`)
	})
	return p.joinErr
}

func (p *ThreadPool) onDispatcher() bool {
	gid := getGoroutineID()
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.gids[gid]
	return ok
}
