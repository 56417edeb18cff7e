package apartment

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

const subscriptionScavengeBatch = 32

type (
	// Subscriptions is a multicast delegate: an ordered set of targets, each
	// bound to its own queue. Broadcasts fan out to a snapshot of the live
	// subscriptions, in registration order.
	Subscriptions[T any] struct {
		logger   *logiface.Logger[logiface.Event]
		registry *registry[Subscription[T]]
	}

	// Subscription is the handle for one registration. The registration
	// lasts only as long as the handle is reachable, unless Background is
	// called.
	Subscription[T any] struct {
		owner     *Subscriptions[T]
		proxy     *Proxy[T]
		id        uint64
		cancelled atomic.Bool
	}
)

var (
	// compile time assertions

	_ Caller[any] = (*Subscriptions[any])(nil)
)

// NewSubscriptions creates an empty set of subscriptions.
func NewSubscriptions[T any](opts ...ProxyOption) (*Subscriptions[T], error) {
	cfg, err := resolveProxyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Subscriptions[T]{
		logger:   componentLogger(cfg.logger, `subscriptions`),
		registry: newRegistry[Subscription[T]](),
	}, nil
}

// Subscribe registers target, to be called on queue. The returned handle
// must be retained, or Background called, to keep the subscription alive.
func (x *Subscriptions[T]) Subscribe(target Target[T], queue *MessageQueue) (*Subscription[T], error) {
	if queue == nil || queue.Gone() {
		return nil, ErrQueueGone
	}
	if _, ok := target.Resolve(); !ok {
		return nil, ErrTargetGone
	}

	x.registry.scavenge(subscriptionScavengeBatch, (*Subscription[T]).Cancelled)

	s := &Subscription[T]{
		owner: x,
		proxy: newProxy(target, queue, x.logger),
		id:    x.registry.reserve(),
	}
	x.registry.add(s.id, s)

	x.logger.Trace().
		Uint64(`subscription`, s.id).
		Log(`subscribed`)

	return s, nil
}

// Post broadcasts fn to every live subscription, asynchronously. Each
// delivery re-checks its subscription at execution time, so cancelling a
// subscription suppresses any of its undelivered broadcasts. Subscriptions
// whose target or queue is gone are removed.
func (x *Subscriptions[T]) Post(tag string, fn func(T)) error {
	for _, s := range x.registry.snapshot() {
		if s.Cancelled() {
			continue
		}
		err := s.proxy.Post(tag, func(target T) {
			if !s.Cancelled() {
				fn(target)
			}
		})
		if err != nil {
			x.prune(s, err)
		}
	}
	return nil
}

// Call broadcasts fn to every live subscription, in order, waiting for each
// delivery before the next. Panics are collected and returned (joined) as
// *PanicError values; a done ctx aborts the broadcast.
func (x *Subscriptions[T]) Call(ctx context.Context, tag string, fn func(T)) error {
	var errs []error
	for _, s := range x.registry.snapshot() {
		if s.Cancelled() {
			continue
		}
		err := s.proxy.Call(ctx, tag, func(target T) {
			if !s.Cancelled() {
				fn(target)
			}
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrTargetGone), errors.Is(err, ErrQueueGone):
			x.prune(s, err)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return err
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delegate returns the broadcasting stand-in for T, see RegisterBinder.
func (x *Subscriptions[T]) Delegate() T {
	return Bind[T](x)
}

// Len returns the number of live subscriptions.
func (x *Subscriptions[T]) Len() int {
	var n int
	for _, s := range x.registry.snapshot() {
		if !s.Cancelled() {
			n++
		}
	}
	return n
}

// Clear cancels every subscription. No subscription is observably
// registered and uncancelled at any point during the call.
func (x *Subscriptions[T]) Clear() {
	x.registry.clear(func(s *Subscription[T]) {
		s.cancelled.Store(true)
	})
}

func (x *Subscriptions[T]) prune(s *Subscription[T], err error) {
	s.Cancel()
	x.logger.Debug().
		Uint64(`subscription`, s.id).
		Err(err).
		Log(`subscription pruned`)
}

// ID returns the unique id of the subscription.
func (s *Subscription[T]) ID() uint64 {
	return s.id
}

// Cancel ends the subscription. It is idempotent, and may be called from
// any goroutine, including from within a delivery.
func (s *Subscription[T]) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.owner.registry.remove(s.id)
}

// Cancelled reports whether the subscription has ended.
func (s *Subscription[T]) Cancelled() bool {
	return s.cancelled.Load()
}

// Background keeps the subscription alive without retaining the handle, until
// it is cancelled.
func (s *Subscription[T]) Background() {
	s.owner.registry.pin(s.id, s)
}
