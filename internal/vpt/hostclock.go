package vpt

import (
	"time"

	"golang.org/x/sys/unix"
)

// hostNow returns host monotonic time.
// golang.org/x/sys/unix.ClockGettime(CLOCK_MONOTONIC) is used in
// preference to time.Now() because it is immune to wall-clock steps
// (NTP slew, user clock changes) that would otherwise corrupt
// monotonicity of `scheduled`; a failure (only possible on an exotic
// kernel lacking the clock) degrades to time.Now().UnixNano(), a
// wall-clock reading, rather than panicking.
func hostNow() nanoTime {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

// deadlineFrom converts a deadline expressed in hostNow's nanoTime
// space into a time.Time the host timer wheel (which only understands
// wall-clock time.Time) can arm against. Re-sampling hostNow() here
// rather than maintaining a fixed epoch offset keeps this correct
// regardless of which clock source hostNow ends up reading from.
func deadlineFrom(n nanoTime) time.Time {
	delta := n - hostNow()
	return time.Now().Add(time.Duration(delta))
}
