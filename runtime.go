package apartment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

var (
	// process-wide registry of the shared monitors, reference counted by Init
	// and Runtime.Release
	shared struct {
		sync.Mutex
		refs    int
		timers  *TimerMonitor
		sockets *SocketMonitor
		logger  *logiface.Logger[logiface.Event]
	}
)

// Runtime is a reference to the process-wide timer and socket monitors. The
// monitors stay running while at least one Runtime is held, and are shut down
// when the last one is released.
type Runtime struct {
	timers   *TimerMonitor
	sockets  *SocketMonitor
	released atomic.Bool
}

// Init acquires a Runtime, starting the shared monitors if this is the first
// reference. Options are only applied by the call that starts the monitors.
// If the platform does not support the socket monitor, Sockets returns nil.
func Init(opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}

	shared.Lock()
	defer shared.Unlock()

	if shared.refs == 0 {
		monitorOpts := []MonitorOption{WithLogger(cfg.logger), WithSettings(cfg.settings)}
		if cfg.priority != nil {
			monitorOpts = append(monitorOpts, WithPriority(*cfg.priority))
		}
		monitorOpts = append(monitorOpts, cfg.monitor...)

		logger := componentLogger(cfg.logger, `runtime`)

		timers, err := NewTimerMonitor(monitorOpts...)
		if err != nil {
			return nil, err
		}

		sockets, err := NewSocketMonitor(monitorOpts...)
		if errors.Is(err, ErrUnsupported) {
			logger.Debug().Log(`socket monitor unsupported`)
		} else if err != nil {
			_ = timers.Shutdown()
			return nil, err
		}

		shared.timers = timers
		shared.sockets = sockets
		shared.logger = logger

		logger.Debug().Log(`runtime initialized`)
	}

	shared.refs++

	return &Runtime{
		timers:  shared.timers,
		sockets: shared.sockets,
	}, nil
}

// Timers returns the shared timer monitor.
func (x *Runtime) Timers() *TimerMonitor {
	return x.timers
}

// Sockets returns the shared socket monitor, or nil if unsupported.
func (x *Runtime) Sockets() *SocketMonitor {
	return x.sockets
}

// Release drops the reference. Releasing the last reference shuts down the
// shared monitors, waiting for their threads to exit, or ctx to be done.
// Releasing more than once returns ErrReleased.
func (x *Runtime) Release(ctx context.Context) error {
	if x.released.Swap(true) {
		return ErrReleased
	}

	shared.Lock()
	shared.refs--
	if shared.refs != 0 {
		shared.Unlock()
		return nil
	}
	guards := []*ShutdownGuard{shared.timers.Shutdown()}
	if shared.sockets != nil {
		guards = append(guards, shared.sockets.Shutdown())
	}
	logger := shared.logger
	shared.timers, shared.sockets, shared.logger = nil, nil, nil
	shared.Unlock()

	for _, guard := range guards {
		if err := guard.Wait(ctx); err != nil {
			return err
		}
	}

	logger.Debug().Log(`runtime released`)

	return nil
}
