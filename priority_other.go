//go:build !linux

package apartment

func currentThreadID() int { return 0 }

// applyThreadPriority records nothing: priorities are advisory where the
// platform offers no per-thread control.
func applyThreadPriority(int, Priority) error { return nil }
