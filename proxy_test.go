package apartment

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Greeter interface {
	Greet(name string) string
	Poke()
}

type greeter struct {
	pokes    *atomic.Int32
	greeting string
}

func (g *greeter) Greet(name string) string { return g.greeting + `, ` + name }

func (g *greeter) Poke() { g.pokes.Add(1) }

// greeterStandIn marshals Greeter calls through a Caller.
type greeterStandIn struct {
	c Caller[Greeter]
}

func (x greeterStandIn) Greet(name string) string {
	v, _ := Invoke(context.Background(), x.c, `Greet`, func(g Greeter) string { return g.Greet(name) })
	return v
}

func (x greeterStandIn) Poke() {
	_ = x.c.Post(`Poke`, Greeter.Poke)
}

func init() {
	RegisterBinder(func(c Caller[Greeter]) Greeter { return greeterStandIn{c} })
}

func newTestProxy[T any](t *testing.T, target Target[T], q *MessageQueue) *Proxy[T] {
	t.Helper()
	p, err := NewProxy(target, q)
	require.NoError(t, err)
	return p
}

// collect runs the GC until cond holds.
func collect(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		runtime.GC()
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestProxy_WeakTargetGone(t *testing.T) {
	q := newTestQueue(t, nil)
	pokes := new(atomic.Int32)

	p := func() *Proxy[Greeter] {
		return newTestProxy(t, Weak[Greeter](&greeter{pokes: pokes, greeting: `hi`}), q)
	}()
	require.True(t, p.Target().IsWeak())

	// posted while alive, but delivered after collection
	err := p.Post(`Poke`, Greeter.Poke)
	if errors.Is(err, ErrTargetGone) {
		t.Skip(`target collected before first post`)
	}
	require.NoError(t, err)

	collect(t, func() bool { return !p.Alive() })

	assert.Equal(t, 1, q.Process())
	assert.Zero(t, pokes.Load(), `stale target invoked`)

	assert.ErrorIs(t, p.Post(`Poke`, Greeter.Poke), ErrTargetGone)
	assert.ErrorIs(t, p.Call(context.Background(), `Poke`, Greeter.Poke), ErrTargetGone)
	assert.Zero(t, q.Len())
	assert.Zero(t, pokes.Load())
}

func TestProxy_StrongTargetOutlivesProxy(t *testing.T) {
	q := newTestQueue(t, nil)
	var collected atomic.Bool

	p := func() *Proxy[Greeter] {
		target := &greeter{pokes: new(atomic.Int32), greeting: `hi`}
		runtime.AddCleanup(target, func(flag *atomic.Bool) { flag.Store(true) }, &collected)
		return newTestProxy(t, Strong[Greeter](target), q)
	}()

	for range 5 {
		runtime.GC()
	}
	time.Sleep(10 * time.Millisecond)
	assert.False(t, collected.Load(), `target collected while proxy alive`)
	assert.True(t, p.Alive())
	runtime.KeepAlive(p)

	p = nil
	collect(t, collected.Load)
}

func TestProxy_WeakPanicsOnMismatch(t *testing.T) {
	type notGreeter struct{ name string }
	assert.Panics(t, func() { Weak[Greeter](&notGreeter{}) })
	assert.Panics(t, func() { Weak[Greeter]((*greeter)(nil)) })
}

func TestProxy_CallFromOtherGoroutine(t *testing.T) {
	w := newTestWorker(t)
	target := &greeter{pokes: new(atomic.Int32), greeting: `hello`}
	p := newTestProxy(t, Strong[Greeter](target), w.Queue())

	v, err := Invoke(context.Background(), p, `Greet`, func(g Greeter) string { return g.Greet(`world`) })
	require.NoError(t, err)
	assert.Equal(t, `hello, world`, v)

	require.NoError(t, p.Call(context.Background(), `Poke`, Greeter.Poke))
	assert.Equal(t, int32(1), target.pokes.Load())
}

func TestProxy_SelfCallRunsInline(t *testing.T) {
	w := newTestWorker(t)
	target := &greeter{pokes: new(atomic.Int32), greeting: `hi`}
	p := newTestProxy(t, Strong[Greeter](target), w.Queue())

	var order []string
	errCh := make(chan error, 1)
	require.NoError(t, p.Post(`outer`, func(g Greeter) {
		order = append(order, `outer start`)
		errCh <- p.Call(context.Background(), `inner`, func(Greeter) {
			order = append(order, `inner`)
		})
		order = append(order, `outer end`)
	}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`self call deadlocked`)
	}

	require.NoError(t, w.WaitForShutdown())
	assert.Equal(t, []string{`outer start`, `inner`, `outer end`}, order)
}

func TestProxy_CallPanicReturned(t *testing.T) {
	w := newTestWorker(t)
	p := newTestProxy(t, Strong[Greeter](&greeter{pokes: new(atomic.Int32)}), w.Queue())

	cause := errors.New(`cause`)
	err := p.Call(context.Background(), `explode`, func(Greeter) { panic(cause) })

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, `explode`, panicErr.Tag)
	assert.ErrorIs(t, err, cause)

	// the worker survives
	require.NoError(t, p.Call(context.Background(), `after`, Greeter.Poke))
}

func TestProxy_CallQueueGone(t *testing.T) {
	q := newTestQueue(t, nil)
	p := newTestProxy(t, Strong[Greeter](&greeter{pokes: new(atomic.Int32)}), q)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Call(context.Background(), `never`, Greeter.Poke) }()

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueGone)
	case <-time.After(5 * time.Second):
		t.Fatal(`caller not released`)
	}

	assert.ErrorIs(t, p.Post(`late`, Greeter.Poke), ErrQueueGone)
	assert.ErrorIs(t, p.Call(context.Background(), `late`, Greeter.Poke), ErrQueueGone)
}

func TestProxy_CallContext(t *testing.T) {
	q := newTestQueue(t, nil)
	pokes := new(atomic.Int32)
	p := newTestProxy(t, Strong[Greeter](&greeter{pokes: pokes}), q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Call(ctx, `cancelled`, Greeter.Poke), context.Canceled)
	assert.Zero(t, q.Len())

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Call(ctx, `timeout`, Greeter.Poke), context.DeadlineExceeded)

	// the message still runs, once the queue is processed
	assert.Equal(t, 1, q.Process())
	assert.Equal(t, int32(1), pokes.Load())
}

func TestProxy_NilQueue(t *testing.T) {
	_, err := NewProxy(Strong[Greeter](&greeter{}), nil)
	assert.ErrorIs(t, err, ErrQueueGone)
}

func TestBind_ForwardsThroughQueue(t *testing.T) {
	w := newTestWorker(t)
	target := &greeter{pokes: new(atomic.Int32), greeting: `hey`}

	g := MustNewInterface(Strong[Greeter](target), w.Queue())
	_, isStandIn := g.(greeterStandIn)
	require.True(t, isStandIn)

	assert.Equal(t, `hey, you`, g.Greet(`you`))
	g.Poke()
	require.NoError(t, w.WaitForShutdown())
	assert.Equal(t, int32(1), target.pokes.Load())
}

type unbound interface{ Unbound() }

func TestBind_NoBinderPanics(t *testing.T) {
	q := newTestQueue(t, nil)
	p := newTestProxy[unbound](t, Strong[unbound](nil), q)

	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, `%v`, r)
		assert.ErrorIs(t, err, ErrNoBinder)
	}()
	Bind[unbound](p)
	t.Fatal(`expected panic`)
}

func TestRegisterBinder_Invalid(t *testing.T) {
	assert.Panics(t, func() {
		RegisterBinder(func(Caller[*greeter]) *greeter { return nil })
	}, `not an interface`)
	assert.Panics(t, func() {
		RegisterBinder(func(c Caller[Greeter]) Greeter { return greeterStandIn{c} })
	}, `duplicate`)
	assert.Panics(t, func() {
		RegisterBinder[unbound](nil)
	}, `nil binder`)
}
