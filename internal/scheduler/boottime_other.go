//go:build !linux && !darwin

package scheduler

import "time"

// systemBootTime is unavailable on this platform; coverage gaps fall back
// to heartbeat-only arithmetic.
func systemBootTime() (time.Time, bool) {
	return time.Time{}, false
}
