package apartment

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/joeycumines/logiface"
)

// Priority is a coarse thread priority band. How a band maps onto the host
// scheduler is platform specific, and best-effort.
type Priority int

const (
	// PriorityLow is for background work.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh is for latency sensitive work, e.g. the timer monitor.
	PriorityHigh
	// PriorityHighest is the highest band that normally doesn't require
	// elevated privileges to use, on platforms that permit raising priority.
	PriorityHighest
	// PriorityRealtime usually requires elevated privileges.
	PriorityRealtime
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityHighest:
		return "Highest"
	case PriorityRealtime:
		return "Realtime"
	default:
		return "Unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityRealtime
}

// ParsePriority parses the (case-insensitive) String form of a Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityRealtime; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf(`%w: %q`, ErrInvalidPriority, s)
}

// pinThread locks the calling goroutine to its OS thread, then applies
// priority, logging on failure. The returned func must be deferred: it
// releases the thread, unless the thread's priority was modified, in which
// case the runtime discards the thread when the goroutine exits.
func pinThread(priority Priority, logger *logiface.Logger[logiface.Event]) func() {
	runtime.LockOSThread()
	if priority == PriorityNormal {
		return runtime.UnlockOSThread
	}
	if err := applyThreadPriority(currentThreadID(), priority); err != nil {
		logger.Warning().
			Err(err).
			Stringer(`priority`, priority).
			Log(`failed to set thread priority`)
		return runtime.UnlockOSThread
	}
	return func() {}
}
