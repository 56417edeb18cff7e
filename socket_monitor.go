//go:build linux || darwin

package apartment

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// pollErrorBackoff bounds how fast the loop spins, while poll is failing.
const pollErrorBackoff = 10 * time.Millisecond

// SocketMonitor is a reactor: a background loop that waits for readiness of
// many sockets, using a single poll call, then delivers each notification to
// the socket's delegate, on the delegate's own queue. A notification of a
// given kind is not repeated until the delegate has handled the previous
// one.
type SocketMonitor struct {
	// Prevent copying
	_ [0]func()

	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	done     chan struct{}
	priority Priority

	wakePending atomic.Bool
	wakeBuf     [64]byte

	mu sync.Mutex
	// wake socket ends, -1 once closed
	wakeRead  int
	wakeWrite int
	set       *socketSet

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSocketMonitor starts a socket monitor. Most programs use the shared
// monitor, from Init, instead.
func NewSocketMonitor(opts ...MonitorOption) (*SocketMonitor, error) {
	m, err := newSocketMonitor(opts)
	if err != nil {
		return nil, err
	}
	go m.run()
	return m, nil
}

func newSocketMonitor(opts []MonitorOption) (*SocketMonitor, error) {
	cfg, err := resolveMonitorOptions(opts)
	if err != nil {
		return nil, err
	}
	priority, err := cfg.resolvePriority(SettingSocketPriority)
	if err != nil {
		return nil, err
	}

	wakeRead, wakeWrite, err := createWakeSocket()
	if err != nil {
		return nil, err
	}

	m := &SocketMonitor{
		logger:    componentLogger(cfg.logger, `socket`),
		limiter:   newWarnLimiter(),
		done:      make(chan struct{}),
		priority:  priority,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		set:       newSocketSet(wakeRead),
	}

	return m, nil
}

// createWakeSocket creates a connected, non-blocking socket pair, returning
// the read end, and the write end.
func createWakeSocket() (int, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, MapSocketError(`socketpair`, err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return 0, 0, MapSocketError(`socketpair`, err)
		}
	}
	return fds[0], fds[1], nil
}

// MonitorBegin registers s, or updates the events it is monitored for.
func (m *SocketMonitor) MonitorBegin(s *Socket, read, write, exception bool) error {
	if s.closed.Load() {
		return MapSocketError(`monitor`, unix.EBADF)
	}
	if !s.monitor.CompareAndSwap(nil, m) && s.monitor.Load() != m {
		return errors.New(`apartment: socket already monitored by another monitor`)
	}

	var interest int16
	if read {
		interest |= unix.POLLIN
	}
	if write {
		interest |= unix.POLLOUT
	}
	if exception {
		interest |= unix.POLLPRI
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		s.monitor.CompareAndSwap(m, nil)
		return ErrMonitorClosed
	}
	if m.set.upsert(s, interest) {
		s.cleanup = runtime.AddCleanup(s, m.dropped, s.id)
	}
	m.mu.Unlock()

	m.wake()

	return nil
}

// MonitorEnd unregisters s. It is a no-op if s is not registered.
func (m *SocketMonitor) MonitorEnd(s *Socket) error {
	m.mu.Lock()
	removed := m.endLocked(s)
	m.mu.Unlock()

	if removed {
		m.wake()
	}
	return nil
}

func (m *SocketMonitor) endLocked(s *Socket) bool {
	if !m.set.remove(s.id) {
		return false
	}
	s.cleanup.Stop()
	s.monitor.CompareAndSwap(m, nil)
	return true
}

// dropped is the cleanup for sockets collected while registered.
func (m *SocketMonitor) dropped(id uint64) {
	m.mu.Lock()
	removed := m.set.remove(id)
	m.mu.Unlock()
	if removed {
		m.wake()
	}
}

// Len returns the number of registered sockets.
func (m *SocketMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.len()
}

// Shutdown stops the monitor, unregistering every socket. It is idempotent.
func (m *SocketMonitor) Shutdown() *ShutdownGuard {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed.Store(true)
		m.mu.Unlock()
		m.wake()
	})
	return newShutdownGuard(m, m.done)
}

// wake interrupts the poll, coalescing concurrent requests.
func (m *SocketMonitor) wake() {
	if !m.wakePending.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wakeWrite < 0 {
		return
	}
	if _, err := unix.Write(m.wakeWrite, []byte{1}); err != nil && err != unix.EAGAIN {
		m.wakePending.Store(false)
		if allowWarn(m.limiter, `wake`) {
			m.logger.Warning().
				Err(err).
				Log(`failed to wake socket monitor`)
		}
	}
}

// drainWake empties the wake socket, then clears the pending flag. A wake
// that races the clear is harmless, as the loop re-reads its state before
// polling again.
func (m *SocketMonitor) drainWake() {
	for {
		if _, err := unix.Read(m.wakeRead, m.wakeBuf[:]); err != nil {
			break
		}
	}
	m.wakePending.Store(false)
}

func (m *SocketMonitor) run() {
	defer close(m.done)
	defer m.teardown()
	defer pinThread(m.priority, m.logger)()

	m.logger.Debug().
		Stringer(`priority`, m.priority).
		Log(`socket monitor started`)

	for !m.closed.Load() {
		m.mu.Lock()
		fds, ids := m.set.prepare()
		m.mu.Unlock()

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if allowWarn(m.limiter, `poll`) {
				m.logger.Err().
					Err(MapSocketError(`poll`, err)).
					Int(`fds`, len(fds)).
					Log(`poll failed`)
			}
			time.Sleep(pollErrorBackoff)
			continue
		}

		if fds[0].Revents != 0 {
			n--
			m.drainWake()
		}

		for i := 1; n > 0 && i < len(fds); i++ {
			if fds[i].Revents == 0 {
				continue
			}
			n--
			m.dispatch(ids[i], fds[i].Revents)
		}
	}
}

func (m *SocketMonitor) teardown() {
	m.mu.Lock()
	count := m.set.len()
	for _, entry := range m.set.entries[1:] {
		if s := entry.socket.Value(); s != nil {
			s.cleanup.Stop()
			s.monitor.CompareAndSwap(m, nil)
		}
	}
	m.set.clear()
	_ = unix.Close(m.wakeRead)
	_ = unix.Close(m.wakeWrite)
	m.wakeRead, m.wakeWrite = -1, -1
	m.mu.Unlock()

	m.logger.Debug().
		Int(`unregistered`, count).
		Log(`socket monitor stopped`)
}

// dispatch delivers the events reported for id, through the socket's queue.
func (m *SocketMonitor) dispatch(id uint64, revents int16) {
	m.mu.Lock()
	s, interest, ok := m.set.lookup(id)
	if !ok {
		m.mu.Unlock()
		return
	}
	if s == nil || revents&unix.POLLNVAL != 0 {
		if s == nil {
			m.set.remove(id)
		} else {
			m.endLocked(s)
		}
		m.mu.Unlock()
		m.logger.Debug().
			Uint64(`socket`, id).
			Bool(`collected`, s == nil).
			Log(`socket pruned`)
		return
	}

	var events int16
	if interest&unix.POLLIN != 0 && revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		events |= unix.POLLIN
	}
	if interest&unix.POLLOUT != 0 && revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
		events |= unix.POLLOUT
	}
	if interest&unix.POLLPRI != 0 && revents&(unix.POLLPRI|unix.POLLERR) != 0 {
		events |= unix.POLLPRI
	}
	// only events that were armed are delivered, the rest are still in flight
	for _, event := range [...]int16{unix.POLLIN, unix.POLLOUT, unix.POLLPRI} {
		if events&event != 0 && !m.set.suppress(id, event) {
			events &^= event
		}
	}
	m.mu.Unlock()

	for _, event := range [...]int16{unix.POLLIN, unix.POLLOUT, unix.POLLPRI} {
		if events&event != 0 {
			m.notify(s, event)
		}
	}
}

// notify posts one notification, which re-arms event once it has been
// handled.
func (m *SocketMonitor) notify(s *Socket, event int16) {
	var (
		tag    string
		handle func(SocketDelegate, *Socket)
	)
	switch event {
	case unix.POLLIN:
		tag, handle = `socket.readable`, SocketDelegate.OnReadable
	case unix.POLLOUT:
		tag, handle = `socket.writable`, SocketDelegate.OnWritable
	default:
		tag, handle = `socket.exception`, SocketDelegate.OnException
	}

	err := s.proxy.Queue().post(&Message{
		Tag: tag,
		run: func() {
			delegate, ok := s.proxy.target.Resolve()
			if !ok {
				m.prune(s, ErrTargetGone)
				return
			}
			defer m.rearm(s.id, event)
			handle(delegate, s)
		},
		drop: func(err error) {
			m.prune(s, err)
		},
	})
	if err != nil {
		m.prune(s, err)
	}
}

func (m *SocketMonitor) rearm(id uint64, event int16) {
	m.mu.Lock()
	changed := m.set.rearm(id, event)
	m.mu.Unlock()
	if changed {
		m.wake()
	}
}

func (m *SocketMonitor) prune(s *Socket, err error) {
	_ = m.MonitorEnd(s)
	if allowWarn(m.limiter, `prune`) {
		m.logger.Debug().
			Uint64(`socket`, s.id).
			Err(err).
			Log(`socket pruned`)
	}
}
