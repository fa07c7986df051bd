package protocol

import "time"

// EpochMs converts a wall-clock instant to epoch milliseconds with
// sub-millisecond resolution. All timestamps on the wire use this form.
func EpochMs(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
