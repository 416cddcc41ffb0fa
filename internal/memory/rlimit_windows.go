//go:build windows

package memory

import "errors"

// Windows has no POSIX RLIMIT_AS; the soft GC target from
// debug.SetMemoryLimit in ApplyWorkerLimit is the only ceiling available.
func setRLimitAS(limitBytes int64) error {
	return errors.New("RLIMIT_AS is not supported on windows; relying on debug.SetMemoryLimit only")
}
