package apartment

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// TimerDelegate receives timer firings, on its own queue.
	TimerDelegate interface {
		OnTimer(t *Timer)
	}

	// TimerMonitor is a background loop that tracks many independent timers,
	// sleeping only until the nearest deadline. Firings are delivered through
	// each timer's proxy, so delegates never run on the monitor's thread.
	TimerMonitor struct {
		// Prevent copying
		_ [0]func()

		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter
		clock    func() time.Time
		registry *registry[Timer]
		wake     chan struct{}
		stop     chan struct{}
		done     chan struct{}
		maxSleep time.Duration
		priority Priority

		closeOnce sync.Once
		closed    atomic.Bool
	}

	// Timer is the handle for one countdown. The timer stays registered only
	// as long as the handle is reachable, unless Background is called.
	Timer struct {
		monitor *TimerMonitor
		proxy   *Proxy[TimerDelegate]
		// nextFire is only accessed by the sweep, after registration
		nextFire time.Time
		id       uint64
		timeout  time.Duration
		maxFires int
		repeat   bool
		active   atomic.Bool
		// cancelled suppresses firings that were posted but not delivered
		cancelled atomic.Bool
	}

	// TimerOption configures a Timer.
	TimerOption interface {
		applyTimer(*timerOptions) error
	}

	timerOptions struct {
		maxFires int
	}

	timerOptionImpl struct {
		applyTimerFunc func(*timerOptions) error
	}
)

func (o *timerOptionImpl) applyTimer(opts *timerOptions) error {
	return o.applyTimerFunc(opts)
}

// WithMaxFiresPerWake caps how many times a repeating timer fires in one
// sweep, when it has fallen behind. Once the cap is reached, the missed
// firings are discarded, and the timer is rescheduled one period from now.
func WithMaxFiresPerWake(k int) TimerOption {
	return &timerOptionImpl{func(opts *timerOptions) error {
		if k <= 0 {
			return errors.New(`apartment: max fires per wake must be positive`)
		}
		opts.maxFires = k
		return nil
	}}
}

// NewTimerMonitor starts a timer monitor. Most programs use the shared
// monitor, from Init, instead.
func NewTimerMonitor(opts ...MonitorOption) (*TimerMonitor, error) {
	m, err := newTimerMonitor(opts)
	if err != nil {
		return nil, err
	}
	go m.run()
	return m, nil
}

func newTimerMonitor(opts []MonitorOption) (*TimerMonitor, error) {
	cfg, err := resolveMonitorOptions(opts)
	if err != nil {
		return nil, err
	}
	priority, err := cfg.resolvePriority(SettingTimerPriority)
	if err != nil {
		return nil, err
	}
	return &TimerMonitor{
		logger:   componentLogger(cfg.logger, `timer`),
		limiter:  newWarnLimiter(),
		clock:    cfg.clock,
		registry: newRegistry[Timer](),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		maxSleep: cfg.maxSleep,
		priority: priority,
	}, nil
}

// NewTimer schedules a timer, that first fires timeout from now, then every
// timeout thereafter if repeat is set. Firings are posted to delegate on
// queue. A delegate that is gone cancels the timer.
func (m *TimerMonitor) NewTimer(delegate Target[TimerDelegate], queue *MessageQueue, timeout time.Duration, repeat bool, opts ...TimerOption) (*Timer, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if queue == nil {
		return nil, ErrQueueGone
	}

	cfg := timerOptions{maxFires: defaultTimerMaxFiresRepeat}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyTimer(&cfg); err != nil {
			return nil, err
		}
	}

	if m.closed.Load() {
		return nil, ErrMonitorClosed
	}

	t := &Timer{
		monitor:  m,
		proxy:    newProxy(delegate, queue, m.logger),
		nextFire: m.clock().Add(timeout),
		id:       m.registry.reserve(),
		timeout:  timeout,
		maxFires: cfg.maxFires,
		repeat:   repeat,
	}
	t.active.Store(true)

	m.monitorBegin(t)

	// shutdown may have cleared the registry before the add
	if m.closed.Load() {
		t.end()
		return nil, ErrMonitorClosed
	}

	return t, nil
}

func (m *TimerMonitor) monitorBegin(t *Timer) {
	m.registry.add(t.id, t)
	m.signal()
}

func (m *TimerMonitor) monitorEnd(t *Timer) {
	if m.registry.remove(t.id) {
		m.signal()
	}
}

func (m *TimerMonitor) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of registered timers.
func (m *TimerMonitor) Len() int {
	return m.registry.len()
}

// Shutdown stops the monitor. Every registered timer is cancelled, and
// released from background mode. It is idempotent.
func (m *TimerMonitor) Shutdown() *ShutdownGuard {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
	})
	return newShutdownGuard(m, m.done)
}

func (m *TimerMonitor) run() {
	defer close(m.done)
	defer m.teardown()
	defer pinThread(m.priority, m.logger)()

	m.logger.Debug().
		Stringer(`priority`, m.priority).
		Dur(`max_sleep`, m.maxSleep).
		Log(`timer monitor started`)

	sleep := time.NewTimer(m.maxSleep)
	defer sleep.Stop()

	for {
		sleep.Reset(m.sweep(m.clock()))
		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-sleep.C:
		}
	}
}

func (m *TimerMonitor) teardown() {
	timers := m.registry.clear(func(t *Timer) {
		t.active.Store(false)
	})
	m.logger.Debug().
		Int(`cancelled`, len(timers)).
		Log(`timer monitor stopped`)
}

// sweep fires every due timer, returning how long to sleep until the next
// deadline, bounded by maxSleep.
func (m *TimerMonitor) sweep(now time.Time) time.Duration {
	wait := m.maxSleep

	for _, t := range m.registry.snapshot() {
		if !t.active.Load() {
			m.registry.remove(t.id)
			continue
		}

		for fires := 0; !t.nextFire.After(now); {
			if err := t.fire(); err != nil {
				t.end()
				if allowWarn(m.limiter, `fire`) {
					m.logger.Debug().
						Uint64(`timer`, t.id).
						Err(err).
						Log(`timer dropped`)
				}
				break
			}
			fires++

			if !t.repeat {
				t.end()
				break
			}

			t.nextFire = t.nextFire.Add(t.timeout)

			if fires >= t.maxFires {
				if !t.nextFire.After(now) {
					t.nextFire = now.Add(t.timeout)
				}
				break
			}
		}

		if t.active.Load() {
			wait = min(wait, max(t.nextFire.Sub(now), 0))
		}
	}

	return wait
}

// fire posts one firing to the delegate.
func (t *Timer) fire() error {
	return t.proxy.Post(`timer`, func(delegate TimerDelegate) {
		if !t.cancelled.Load() {
			delegate.OnTimer(t)
		}
	})
}

func (t *Timer) end() {
	if t.active.Swap(false) {
		t.monitor.monitorEnd(t)
	}
}

// ID returns the unique id of the timer.
func (t *Timer) ID() uint64 { return t.id }

// Timeout returns the period of the timer.
func (t *Timer) Timeout() time.Duration { return t.timeout }

// Repeat reports whether the timer repeats.
func (t *Timer) Repeat() bool { return t.repeat }

// Active reports whether the timer is still scheduled. One-shot timers become
// inactive once they fire.
func (t *Timer) Active() bool { return t.active.Load() }

// Cancel stops the timer. Firings already posted, but not yet delivered,
// are suppressed. It is idempotent.
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
	t.end()
}

// Background keeps the timer scheduled without retaining the handle, until it
// is cancelled, completes, or the monitor shuts down.
func (t *Timer) Background() {
	t.monitor.registry.pin(t.id, t)
}
