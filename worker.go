package apartment

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Worker is a dedicated goroutine, locked to its own OS thread, that drains
// one MessageQueue. Objects bound to the worker's queue are only ever
// touched by that thread.
type Worker struct {
	// Prevent copying
	_ [0]func()

	queue  *MessageQueue
	logger *logiface.Logger[logiface.Event]
	wake   chan struct{}
	done   chan struct{}
	name   string

	stopOnce sync.Once
	stop     atomic.Bool
	gid      atomic.Uint64

	prioMu   sync.Mutex
	priority Priority
	tid      int
	// tainted is set once the thread's priority has been changed, so the
	// thread is discarded rather than returned to the runtime
	tainted atomic.Bool
}

// NewWorker starts a worker. It returns once the worker's thread is running.
func NewWorker(opts ...WorkerOption) (*Worker, error) {
	cfg, err := resolveWorkerOptions(opts)
	if err != nil {
		return nil, err
	}

	priority, err := cfg.resolvePriority(``)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		name:     cfg.name,
		priority: PriorityNormal,
	}
	w.logger = componentLogger(cfg.logger, `worker`).Clone().Str(`worker`, w.name).Logger()
	w.queue = newMessageQueue(NotifyFunc(w.signal), &cfg.commonOptions)

	ready := make(chan struct{})
	go w.run(ready, priority)
	<-ready

	return w, nil
}

// Queue returns the worker's message queue, which proxies target.
func (w *Worker) Queue() *MessageQueue {
	return w.queue
}

// Name returns the diagnostic name of the worker.
func (w *Worker) Name() string {
	return w.name
}

// Done is closed once the worker's thread has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Priority returns the worker thread's current priority band.
func (w *Worker) Priority() Priority {
	w.prioMu.Lock()
	defer w.prioMu.Unlock()
	return w.priority
}

// SetPriority changes the worker thread's priority. Raising the priority
// above PriorityNormal typically requires elevated privileges.
func (w *Worker) SetPriority(priority Priority) error {
	if !priority.valid() {
		return ErrInvalidPriority
	}

	w.prioMu.Lock()
	defer w.prioMu.Unlock()

	if priority == w.priority {
		return nil
	}
	if err := applyThreadPriority(w.tid, priority); err != nil {
		return err
	}
	w.tainted.Store(true)
	w.priority = priority

	w.logger.Debug().
		Stringer(`priority`, priority).
		Log(`worker priority changed`)

	return nil
}

// WaitForShutdown requests the worker stop, then blocks until it has drained
// every message posted before the request, and exited. It is idempotent,
// and returns ErrSelfJoin (without blocking) if called from the worker.
func (w *Worker) WaitForShutdown() error {
	if w.gid.Load() == getGoroutineID() {
		return ErrSelfJoin
	}
	w.stopOnce.Do(func() {
		w.stop.Store(true)
		w.signal()
	})
	<-w.done
	return nil
}

// signal is the queue's Notify, and is also used to deliver the stop request.
func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ready chan<- struct{}, priority Priority) {
	runtime.LockOSThread()
	defer func() {
		// a thread with a modified priority must not be reused
		if !w.tainted.Load() {
			runtime.UnlockOSThread()
		}
	}()
	defer close(w.done)

	gid := getGoroutineID()
	w.gid.Store(gid)
	w.tid = currentThreadID()

	if priority != PriorityNormal {
		if err := w.SetPriority(priority); err != nil {
			w.logger.Warning().
				Err(err).
				Log(`failed to set initial worker priority`)
		}
	}

	close(ready)

	w.logger.Debug().Log(`worker started`)

	for {
		w.queue.process(gid, 0)

		// reset the wake, then re-check, so a post racing the reset is never lost
		select {
		case <-w.wake:
		default:
		}
		w.queue.process(gid, 0)

		if w.stop.Load() {
			break
		}

		<-w.wake
	}

	w.queue.seal()
	n := w.queue.process(gid, 0)

	w.logger.Debug().
		Int(`drained`, n).
		Log(`worker stopped`)
}
