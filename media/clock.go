package media

import "time"

// ClockRate is the MPEG system clock rate used for PES timestamps.
const ClockRate = 90000

// ToTicks converts a duration to 90 kHz clock ticks, truncating toward zero.
func ToTicks(d time.Duration) int64 {
	return int64(d/time.Microsecond) * 9 / 100
}

// FromTicks converts 90 kHz clock ticks to a duration.
func FromTicks(ticks int64) time.Duration {
	return time.Duration(ticks * 100000 / 9)
}

// FrameDuration returns the nominal duration of one frame at fps, or 0 when
// fps is not positive.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
