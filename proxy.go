package apartment

import (
	"context"
	"fmt"
	"weak"

	"github.com/joeycumines/logiface"
)

type (
	// Target is how a proxy holds the object it forwards to, either strongly
	// (keeping it alive) or weakly (observing it). See Strong and Weak.
	Target[T any] struct {
		strong  T
		resolve func() (T, bool)
	}

	// Caller is the marshaling surface shared by Proxy and Subscriptions.
	Caller[T any] interface {
		// Post enqueues fn, to be run against the target, asynchronously.
		Post(tag string, fn func(T)) error
		// Call runs fn against the target, blocking until it has completed.
		Call(ctx context.Context, tag string, fn func(T)) error
	}

	// Proxy forwards calls to a target, on the target's queue. A Proxy may
	// be used from any goroutine, and is itself immutable.
	Proxy[T any] struct {
		target Target[T]
		queue  *MessageQueue
		logger *logiface.Logger[logiface.Event]
	}
)

var (
	// compile time assertions

	_ Caller[any] = (*Proxy[any])(nil)
)

// Strong returns a Target that keeps v alive for as long as the proxy is.
func Strong[T any](v T) Target[T] {
	return Target[T]{strong: v}
}

// Weak returns a Target that observes p without keeping it alive. It panics
// if p is nil, or *P does not implement T.
func Weak[T any, P any](p *P) Target[T] {
	if p == nil {
		panic(`apartment: weak target must not be nil`)
	}
	if _, ok := any(p).(T); !ok {
		panic(fmt.Sprintf(`apartment: weak target %T does not implement %T`, p, (*T)(nil)))
	}
	wp := weak.Make(p)
	return Target[T]{resolve: func() (T, bool) {
		if v := wp.Value(); v != nil {
			return any(v).(T), true
		}
		var zero T
		return zero, false
	}}
}

// Resolve returns the target, if it still exists.
func (x Target[T]) Resolve() (T, bool) {
	if x.resolve != nil {
		return x.resolve()
	}
	return x.strong, true
}

// IsWeak reports whether the target is held weakly.
func (x Target[T]) IsWeak() bool {
	return x.resolve != nil
}

// NewProxy binds target to queue. Every call through the proxy runs on
// whatever goroutine drains queue.
func NewProxy[T any](target Target[T], queue *MessageQueue, opts ...ProxyOption) (*Proxy[T], error) {
	if queue == nil {
		return nil, ErrQueueGone
	}
	cfg, err := resolveProxyOptions(opts)
	if err != nil {
		return nil, err
	}
	return newProxy(target, queue, componentLogger(cfg.logger, `proxy`)), nil
}

func newProxy[T any](target Target[T], queue *MessageQueue, logger *logiface.Logger[logiface.Event]) *Proxy[T] {
	return &Proxy[T]{
		target: target,
		queue:  queue,
		logger: logger,
	}
}

// Queue returns the target's queue.
func (p *Proxy[T]) Queue() *MessageQueue {
	return p.queue
}

// Target returns how the proxy holds its target.
func (p *Proxy[T]) Target() Target[T] {
	return p.target
}

// Alive reports whether the target still exists.
func (p *Proxy[T]) Alive() bool {
	_, ok := p.target.Resolve()
	return ok
}

// Post enqueues fn, to be run against the target on its queue. It returns
// ErrTargetGone if the target no longer exists, or ErrQueueGone if the queue
// was torn down. If the target disappears before the message runs, the
// message is dropped.
func (p *Proxy[T]) Post(tag string, fn func(T)) error {
	if !p.Alive() {
		return ErrTargetGone
	}
	return p.queue.post(&Message{Tag: tag, run: func() {
		target, ok := p.target.Resolve()
		if !ok {
			p.logger.Debug().
				Str(`tag`, tag).
				Log(`target gone, message dropped`)
			return
		}
		fn(target)
	}})
}

// Call runs fn against the target on its queue, blocking the caller (only)
// until it completes. A call made from the goroutine currently draining the
// target's queue runs inline. Panics are returned as *PanicError. If ctx is
// done first, ctx.Err() is returned, though the call may still run later.
func (p *Proxy[T]) Call(ctx context.Context, tag string, fn func(T)) error {
	if !p.Alive() {
		return ErrTargetGone
	}
	return syncCall(ctx, p.queue, tag, func() error {
		target, ok := p.target.Resolve()
		if !ok {
			return ErrTargetGone
		}
		fn(target)
		return nil
	})
}

// Invoke performs a synchronous call that produces a result. When c fans
// out to multiple targets, the result of the last one to run is returned.
func Invoke[T, R any](ctx context.Context, c Caller[T], tag string, fn func(T) R) (R, error) {
	var result R
	if err := c.Call(ctx, tag, func(target T) { result = fn(target) }); err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// syncCall runs fn on q, and waits for its result.
func syncCall(ctx context.Context, q *MessageQueue, tag string, fn func() error) error {
	if q.onDrainer() {
		return runRecovered(tag, fn)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	err := q.post(&Message{
		Tag:  tag,
		run:  func() { done <- runRecovered(tag, fn) },
		drop: func(err error) { done <- err },
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runRecovered(tag string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Tag: tag}
		}
	}()
	return fn()
}
