package apartment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-apartment/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int, opts ...PoolOption) *ThreadPool {
	t.Helper()
	p, err := NewThreadPool(size, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Join() })
	return p
}

func newTestTenant(t *testing.T, p *ThreadPool, opts ...QueueOption) *MessageQueue {
	t.Helper()
	q, err := p.NewQueue(opts...)
	require.NoError(t, err)
	return q
}

func TestThreadPool_RoundRobinFairness(t *testing.T) {
	for _, budget := range []int{1, 2, 3} {
		t.Run(fmt.Sprint(budget), func(t *testing.T) {
			p := newTestPool(t, 1, WithDispatchBudget(budget))
			busy := newTestTenant(t, p, WithName(`busy`))
			other := newTestTenant(t, p, WithName(`other`))

			var (
				mu    sync.Mutex
				order []string
			)
			record := func(s string) {
				mu.Lock()
				order = append(order, s)
				mu.Unlock()
			}

			started := make(chan struct{})
			gate := make(chan struct{})
			require.NoError(t, busy.Post(`gate`, func() {
				close(started)
				<-gate
				record(`busy0`)
			}))
			for i := 1; i < 10; i++ {
				require.NoError(t, busy.Post(`busy`, func() { record(fmt.Sprintf(`busy%d`, i)) }))
			}

			<-started
			require.NoError(t, other.Post(`other`, func() { record(`other`) }))
			close(gate)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(order) == 11
			}, 5*time.Second, time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			// the other queue waits at most one rotation, i.e. one budget
			assert.Equal(t, `other`, order[budget], order)
			assert.GreaterOrEqual(t, p.Stats().MissingIdle, uint64(1))
		})
	}
}

func TestThreadPool_RunsOnDispatcher(t *testing.T) {
	p := newTestPool(t, 2)
	q := newTestTenant(t, p)

	main := getGoroutineID()
	ran := make(chan uint64, 1)
	require.NoError(t, q.Post(`where`, func() { ran <- getGoroutineID() }))

	select {
	case gid := <-ran:
		assert.NotEqual(t, main, gid)
	case <-time.After(5 * time.Second):
		t.Fatal(`message not dispatched`)
	}
}

func TestThreadPool_TenantsAreSerial(t *testing.T) {
	const (
		tenants = 16
		each    = 200
	)

	p := newTestPool(t, 4, WithDispatchBudget(7))

	type tenant struct {
		queue    *MessageQueue
		inflight atomic.Int32
		overlap  atomic.Bool
		seen     []int
	}

	var wg sync.WaitGroup
	all := make([]*tenant, tenants)
	for i := range all {
		all[i] = &tenant{queue: newTestTenant(t, p)}
	}

	wg.Add(tenants * each)
	for _, x := range all {
		go func() {
			for i := range each {
				err := x.queue.Post(`work`, func() {
					defer wg.Done()
					if x.inflight.Add(1) != 1 {
						x.overlap.Store(true)
					}
					x.seen = append(x.seen, i)
					x.inflight.Add(-1)
				})
				if err != nil {
					t.Error(err)
					wg.Done()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal(`timed out`)
	}

	for i, x := range all {
		assert.False(t, x.overlap.Load(), `tenant %d ran concurrently`, i)
		require.Len(t, x.seen, each)
		for j, v := range x.seen {
			require.Equal(t, j, v, `tenant %d out of order`, i)
		}
	}

	stats := p.Stats()
	assert.Equal(t, 4, stats.Dispatchers)
	assert.Equal(t, tenants, stats.Queues)
}

func TestThreadPool_JoinFinishesPendingWork(t *testing.T) {
	p := newTestPool(t, 1, WithDispatchBudget(1))
	q1 := newTestTenant(t, p)
	q2 := newTestTenant(t, p)

	gate := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, q1.Post(`gate`, func() { <-gate }))
	for range 5 {
		require.NoError(t, q1.Post(`q1`, func() { ran.Add(1) }))
		require.NoError(t, q2.Post(`q2`, func() { ran.Add(1) }))
	}

	joined := make(chan error, 1)
	go func() { joined <- p.Join() }()

	require.Eventually(t, func() bool {
		return q1.Post(`rejected`, func() {}) != nil
	}, 5*time.Second, time.Millisecond)
	close(gate)

	require.NoError(t, <-joined)
	assert.Equal(t, int32(10), ran.Load())

	require.NoError(t, p.Join())
	_, err := p.NewQueue()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, q2.Post(`late`, func() {}), ErrQueueGone)
}

func TestThreadPool_SizeFromSettings(t *testing.T) {
	src := settings.NewMap(map[string]any{
		SettingPoolSize:           3,
		SettingPoolDispatchBudget: 5,
	})
	p := newTestPool(t, 0, WithSettings(src))
	assert.Equal(t, 3, p.Stats().Dispatchers)
	assert.Equal(t, 5, p.budget)

	p2 := newTestPool(t, 0, WithSettings(src), WithDispatchBudget(2))
	assert.Equal(t, 2, p2.budget)
}

func TestThreadPool_IdleDispatchers(t *testing.T) {
	p := newTestPool(t, 3)
	require.Eventually(t, func() bool {
		return p.Stats().Idle == 3
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, p.Stats().Pending)
}

func TestThreadPool_SelfJoin(t *testing.T) {
	p := newTestPool(t, 1)
	q := newTestTenant(t, p)

	errCh := make(chan error, 1)
	require.NoError(t, q.Post(`join`, func() { errCh <- p.Join() }))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSelfJoin)
	case <-time.After(5 * time.Second):
		t.Fatal(`self join blocked`)
	}

	// the pool is still running
	ran := make(chan struct{})
	require.NoError(t, q.Post(`after`, func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal(`pool stopped by self join`)
	}
	require.NoError(t, p.Join())
}
