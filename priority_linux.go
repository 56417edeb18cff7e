//go:build linux

package apartment

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// niceValues maps each band onto a per-thread nice value.
var niceValues = [...]int{
	PriorityLow:      10,
	PriorityNormal:   0,
	PriorityHigh:     -5,
	PriorityHighest:  -10,
	PriorityRealtime: -20,
}

// currentThreadID identifies the calling OS thread, which must be locked.
func currentThreadID() int {
	return unix.Gettid()
}

// applyThreadPriority sets the priority of the thread tid. On Linux,
// PRIO_PROCESS with a thread id affects only that thread.
func applyThreadPriority(tid int, p Priority) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, niceValues[p]); err != nil {
		return fmt.Errorf(`apartment: set priority %s: %w`, p, err)
	}
	return nil
}
