package apartment

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var (
	// package-level fallback, for components constructed without WithLogger
	defaultLogger struct {
		sync.RWMutex
		logger *logiface.Logger[logiface.Event]
	}
)

// SetDefaultLogger sets the logger used by components that were not given one
// explicitly. A nil logger disables logging. Only components constructed
// after the call observe the change.
func SetDefaultLogger(logger *logiface.Logger[logiface.Event]) {
	defaultLogger.Lock()
	defer defaultLogger.Unlock()
	defaultLogger.logger = logger
}

func getDefaultLogger() *logiface.Logger[logiface.Event] {
	defaultLogger.RLock()
	defer defaultLogger.RUnlock()
	return defaultLogger.logger
}

// componentLogger resolves the logger for a component, tagging every record
// with the component name. The result may be nil, which is a no-op sink.
func componentLogger(logger *logiface.Logger[logiface.Event], component string) *logiface.Logger[logiface.Event] {
	if logger == nil {
		logger = getDefaultLogger()
	}
	return logger.Clone().Str(`component`, component).Logger()
}

// newWarnLimiter throttles repeated warnings, e.g. a poll call that keeps
// failing, keyed by an arbitrary category.
func newWarnLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	})
}

func allowWarn(limiter *catrate.Limiter, category any) bool {
	_, ok := limiter.Allow(category)
	return ok
}
