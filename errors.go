package apartment

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrTargetGone is returned when a weakly bound proxy's target no longer
	// exists. Callers may recover from it, e.g. the timer monitor treats it
	// as an implicit cancel.
	ErrTargetGone = errors.New("apartment: target gone")

	// ErrQueueGone is returned when posting to a queue that has been torn down.
	ErrQueueGone = errors.New("apartment: queue gone")

	// ErrSelfJoin is returned when WaitForShutdown, or ThreadPool.Join, is
	// called from the goroutine it would wait on.
	ErrSelfJoin = errors.New("apartment: cannot wait for shutdown from within the worker or dispatcher")

	// ErrNoBinder indicates no marshaling implementation was registered for an interface.
	ErrNoBinder = errors.New("apartment: no binder registered for interface")

	// ErrPoolClosed is returned when minting queues from a joined thread pool.
	ErrPoolClosed = errors.New("apartment: thread pool closed")

	// ErrMonitorClosed is returned when registering with a monitor that has shut down.
	ErrMonitorClosed = errors.New("apartment: monitor closed")

	// ErrReleased is returned when a Runtime handle is released more than once.
	ErrReleased = errors.New("apartment: runtime already released")

	// ErrUnsupported is returned by platform specific features that are unavailable.
	ErrUnsupported = errors.New("apartment: unsupported on this platform")

	// ErrInvalidTimeout is returned for non-positive timer timeouts.
	ErrInvalidTimeout = errors.New("apartment: invalid timeout")

	// ErrInvalidPriority is returned for unknown priority values.
	ErrInvalidPriority = errors.New("apartment: invalid priority")
)

// PanicError wraps a value recovered from a panicking message, surfaced to
// synchronous callers.
type PanicError struct {
	Value any
	Tag   string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("apartment: %s panicked: %v", e.Tag, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// InvariantError is the panic value used when internal bookkeeping is found
// to be inconsistent. It is never recovered internally.
type InvariantError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return "apartment: invariant violated: " + e.Op + ": " + e.Message
}

func invariant(op string, format string, args ...any) {
	panic(&InvariantError{Op: op, Message: fmt.Sprintf(format, args...)})
}
