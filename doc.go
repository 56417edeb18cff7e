// Package apartment implements apartment threading for Go: every stateful
// object is bound to exactly one logical execution context, a
// [MessageQueue], and is only ever touched by whichever goroutine drains
// that queue. Other goroutines interact with it through proxies, which
// marshal calls onto the queue, instead of through locks.
//
// # Execution contexts
//
// A [MessageQueue] is an ordered mailbox. It may be drained by:
//   - a dedicated [Worker], locked to its own OS thread
//   - a [ThreadPool], which multiplexes many lightweight tenant queues onto a
//     fixed set of dispatcher threads
//   - a foreign event pump, integrated through the [Notify] contract and
//     [MessageQueue.ProcessOnlyOneMessage] (see the pump package)
//
// # Proxies
//
// A [Proxy] binds a [Target], held strongly or weakly, to the target's queue.
// [Proxy.Post] is asynchronous; [Proxy.Call] and [Invoke] block the caller
// (only) until the call has run. A weak target that has been collected
// surfaces [ErrTargetGone], which callers treat as an implicit cancel.
//
// Interfaces may register a stand-in with [RegisterBinder], so that callers
// can use a proxy as the interface itself, see [Bind] and [MustNewInterface].
// [Subscriptions] is the multicast equivalent, delivering each broadcast to
// every subscriber, in registration order, each on its own queue.
//
// # Monitors
//
// The [TimerMonitor] and [SocketMonitor] are background loops, that deliver
// timer firings and socket readiness to delegates, on the delegates' own
// queues. Programs normally share one of each, acquired with [Init], and
// released with [Runtime.Release].
//
// # Logging
//
// Components log structured records via [github.com/joeycumines/logiface],
// configured using [WithLogger], or [SetDefaultLogger]. A nil logger
// disables logging.
package apartment
