package apartment

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

type (
	// Message is one deferred invocation, owned by a MessageQueue until it
	// is executed, or dropped at teardown.
	Message struct {
		run  func()
		drop func(err error)
		// Tag is a human-readable label, used for diagnostics only.
		Tag string
	}

	// Notify is the collaborator a MessageQueue signals when it transitions
	// from idle to busy. Posted is called at most once per transition, and
	// must not block. Platform event pumps integrate by implementing Notify,
	// and calling ProcessOnlyOneMessage once per wake.
	Notify interface {
		Posted()
	}

	// NotifyFunc adapts a function to the Notify interface.
	NotifyFunc func()

	// MessageQueue is an ordered mailbox of deferred calls, for one logical
	// owner. It is safe to Post from any goroutine, while Process and
	// ProcessOnlyOneMessage must only be called by the owner, one call at a
	// time.
	MessageQueue struct {
		// Prevent copying
		_ [0]func()

		notify Notify
		logger *logiface.Logger[logiface.Event]
		items  *queue.Queue
		name   string

		// drainer is the goroutine currently executing messages, or 0
		drainer atomic.Uint64

		mu sync.Mutex
		// busy is set on the idle to busy edge, and cleared when a drain
		// observes the queue empty
		busy bool
		gone bool
	}
)

// Posted implements Notify.
func (f NotifyFunc) Posted() { f() }

// NewMessageQueue creates a standalone queue, signaling notify on each idle
// to busy transition. A nil notify is permitted, e.g. for queues that are
// polled.
func NewMessageQueue(notify Notify, opts ...QueueOption) (*MessageQueue, error) {
	cfg, err := resolveQueueOptions(opts)
	if err != nil {
		return nil, err
	}
	return newMessageQueue(notify, &cfg.commonOptions), nil
}

func newMessageQueue(notify Notify, cfg *commonOptions) *MessageQueue {
	q := &MessageQueue{
		notify: notify,
		items:  queue.New(),
		name:   cfg.name,
	}
	q.logger = componentLogger(cfg.logger, `queue`).Clone().Str(`queue`, q.name).Logger()
	return q
}

// Name returns the diagnostic name of the queue.
func (q *MessageQueue) Name() string {
	return q.name
}

// Post appends a message that runs fn on the queue's owner. It returns
// ErrQueueGone if the queue has been torn down.
func (q *MessageQueue) Post(tag string, fn func()) error {
	return q.post(&Message{Tag: tag, run: fn})
}

func (q *MessageQueue) post(m *Message) error {
	q.mu.Lock()
	if q.gone {
		q.mu.Unlock()
		return ErrQueueGone
	}
	q.items.Add(m)
	edge := !q.busy
	q.busy = true
	q.mu.Unlock()

	if edge && q.notify != nil {
		q.notify.Posted()
	}
	return nil
}

// Process executes every queued message in FIFO order, on the calling
// goroutine, returning the number executed. Messages posted during the drain
// are included if they are observed before the drain finds the queue empty.
// Process never blocks waiting for new messages.
func (q *MessageQueue) Process() int {
	return q.process(getGoroutineID(), 0)
}

// process drains up to budget messages (unbounded if budget <= 0), as the
// goroutine gid.
func (q *MessageQueue) process(gid uint64, budget int) int {
	prev := q.drainer.Swap(gid)
	defer q.drainer.Store(prev)

	var n int
	for budget <= 0 || n < budget {
		m := q.next()
		if m == nil {
			break
		}
		q.execute(m)
		n++
	}
	return n
}

// ProcessOnlyOneMessage executes at most one message, reporting whether one
// was executed. It is intended for queues driven by a foreign event pump,
// which must stay responsive: if messages remain afterwards, Notify is
// signaled again, so the pump receives one wake per message.
func (q *MessageQueue) ProcessOnlyOneMessage() bool {
	m := q.next()
	if m == nil {
		return false
	}

	prev := q.drainer.Swap(getGoroutineID())
	q.execute(m)
	q.drainer.Store(prev)

	q.mu.Lock()
	more := q.items.Length() != 0
	if !more {
		q.busy = false
	}
	q.mu.Unlock()

	if more && q.notify != nil {
		q.notify.Posted()
	}
	return true
}

// next removes the head message, or returns nil (clearing busy) if the queue
// is empty.
func (q *MessageQueue) next() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		q.busy = false
		return nil
	}
	return q.items.Remove().(*Message)
}

// execute executes a message with panic recovery.
func (q *MessageQueue) execute(m *Message) {
	if m.run == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Err().
				Str(`tag`, m.Tag).
				Any(`panic`, r).
				Log(`message panicked`)
		}
	}()

	m.run()
}

// Len returns the number of queued, unprocessed messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Gone reports whether the queue has been torn down.
func (q *MessageQueue) Gone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gone
}

// Close tears down the queue. Subsequent posts fail with ErrQueueGone, and
// queued messages are dropped unexecuted, releasing any synchronous callers
// waiting on them with ErrQueueGone. It returns the number of dropped
// messages, and is safe to call more than once.
func (q *MessageQueue) Close() int {
	q.mu.Lock()
	q.gone = true
	q.busy = false
	dropped := make([]*Message, 0, q.items.Length())
	for q.items.Length() != 0 {
		dropped = append(dropped, q.items.Remove().(*Message))
	}
	q.mu.Unlock()

	for _, m := range dropped {
		if m.drop != nil {
			m.drop(ErrQueueGone)
		}
	}

	if len(dropped) != 0 {
		q.logger.Debug().
			Int(`dropped`, len(dropped)).
			Log(`queue closed with unprocessed messages`)
	}

	return len(dropped)
}

// settle clears busy if the queue is empty, reporting whether it was. It is
// used by drains that stop at a budget, without observing the queue empty.
func (q *MessageQueue) settle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() != 0 {
		return false
	}
	q.busy = false
	return true
}

// seal rejects further posts, leaving queued messages for a final drain.
func (q *MessageQueue) seal() {
	q.mu.Lock()
	q.gone = true
	q.mu.Unlock()
}

// onDrainer reports whether the calling goroutine is currently executing
// this queue's messages.
func (q *MessageQueue) onDrainer() bool {
	id := q.drainer.Load()
	return id != 0 && id == getGoroutineID()
}
