//go:build !linux && !darwin

package apartment

type (
	// SocketDelegate receives readiness notifications, on its own queue.
	SocketDelegate interface {
		OnReadable(s *Socket)
		OnWritable(s *Socket)
		OnException(s *Socket)
	}

	// Socket is unavailable on this platform.
	Socket struct{}

	// SocketMonitor is unavailable on this platform.
	SocketMonitor struct{}
)

// NewSocket returns ErrUnsupported.
func NewSocket(int, Target[SocketDelegate], *MessageQueue) (*Socket, error) {
	return nil, ErrUnsupported
}

// NewSocketMonitor returns ErrUnsupported.
func NewSocketMonitor(...MonitorOption) (*SocketMonitor, error) {
	return nil, ErrUnsupported
}

func (*Socket) FD() int                         { return -1 }
func (*Socket) Read([]byte) (int, error)        { return 0, ErrUnsupported }
func (*Socket) Write([]byte) (int, error)       { return 0, ErrUnsupported }
func (*Socket) Close() error                    { return ErrUnsupported }
func (*Socket) Queue() *MessageQueue            { return nil }
func (*SocketMonitor) Len() int                 { return 0 }
func (*SocketMonitor) MonitorEnd(*Socket) error { return ErrUnsupported }

func (*SocketMonitor) MonitorBegin(*Socket, bool, bool, bool) error {
	return ErrUnsupported
}

func (*SocketMonitor) Shutdown() *ShutdownGuard {
	done := make(chan struct{})
	close(done)
	return &ShutdownGuard{done: done}
}
