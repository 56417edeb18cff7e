//go:build linux || darwin

package apartment

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type (
	// SocketDelegate receives readiness notifications, on its own queue.
	SocketDelegate interface {
		OnReadable(s *Socket)
		OnWritable(s *Socket)
		OnException(s *Socket)
	}

	// Socket wraps a non-blocking descriptor, and the delegate that handles
	// its readiness. Dropping the handle ends any monitoring, though it does
	// not close the descriptor.
	Socket struct {
		proxy   *Proxy[SocketDelegate]
		monitor atomic.Pointer[SocketMonitor]
		// cleanup is guarded by the monitor's mutex
		cleanup runtime.Cleanup
		id      uint64
		fd      int
		closed  atomic.Bool
	}
)

var socketIDs atomic.Uint64

// NewSocket wraps fd, which should be in non-blocking mode. Notifications are
// delivered to delegate, on queue.
func NewSocket(fd int, delegate Target[SocketDelegate], queue *MessageQueue) (*Socket, error) {
	if fd < 0 {
		return nil, MapSocketError(`new`, unix.EBADF)
	}
	if queue == nil {
		return nil, ErrQueueGone
	}
	return &Socket{
		proxy: newProxy(delegate, queue, componentLogger(nil, `socket`)),
		id:    socketIDs.Add(1),
		fd:    fd,
	}, nil
}

// FD returns the descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// Queue returns the queue notifications are delivered on.
func (s *Socket) Queue() *MessageQueue {
	return s.proxy.Queue()
}

// Read reads from the descriptor. An empty read, with a nil error, indicates
// end of stream.
func (s *Socket) Read(b []byte) (int, error) {
	n, err := unix.Read(s.fd, b)
	if err != nil {
		return 0, MapSocketError(`read`, err)
	}
	return n, nil
}

// Write writes to the descriptor.
func (s *Socket) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		return max(n, 0), MapSocketError(`write`, err)
	}
	return n, nil
}

// Close ends monitoring, then closes the descriptor. Subsequent calls return
// nil.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if m := s.monitor.Load(); m != nil {
		_ = m.MonitorEnd(s)
	}
	return MapSocketError(`close`, unix.Close(s.fd))
}
