//go:build darwin

package scheduler

import (
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// systemBootTime parses `sysctl -n kern.boottime`, whose output looks
// like `{ sec = 1700000000, usec = 0 } ...`.
func systemBootTime() (time.Time, bool) {
	out, err := exec.Command("sysctl", "-n", "kern.boottime").Output()
	if err != nil {
		return time.Time{}, false
	}
	text := string(out)
	idx := strings.Index(text, "sec = ")
	if idx < 0 {
		return time.Time{}, false
	}
	rest := text[idx+len("sec = "):]
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(rest[:end]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
