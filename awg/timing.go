package awg

import "time"

// busyWaitUs parks the calling goroutine for us microseconds. Used only
// when a non-zero WEN pulse width has been configured; the default
// edge-only mode never calls it.
func busyWaitUs(us int) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}
