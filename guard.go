package apartment

import (
	"context"
	"runtime"
)

// ShutdownGuard is returned by the teardown of a background monitor. It keeps
// the monitor reachable until the monitor's thread has joined, and allows the
// caller to wait for that.
type ShutdownGuard struct {
	done <-chan struct{}
}

func newShutdownGuard(owner any, done <-chan struct{}) *ShutdownGuard {
	go func() {
		<-done
		runtime.KeepAlive(owner)
	}()
	return &ShutdownGuard{done: done}
}

// Done is closed once the thread has joined.
func (g *ShutdownGuard) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the thread has joined, or ctx is done.
func (g *ShutdownGuard) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
