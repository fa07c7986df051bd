package clocksync

// Sample is one NTP-style measurement round. T0 and T3 are on the client
// clock, T1 and T2 on the server clock, all in epoch milliseconds.
type Sample struct {
	T0 float64 // client send
	T1 float64 // server receive
	T2 float64 // server send
	T3 float64 // client receive
}

// RTT returns the round-trip time with the server's processing time removed.
func (s Sample) RTT() float64 {
	return (s.T3 - s.T0) - (s.T2 - s.T1)
}

// Offset returns the estimated serverClock - clientClock difference.
// Its error is bounded by RTT/2, so low-RTT samples are more trustworthy.
func (s Sample) Offset() float64 {
	return ((s.T1 - s.T0) + (s.T2 - s.T3)) / 2
}

// Estimate is the smoothed clock state published by the Engine. The zero
// value means no sample has arrived yet; callers must treat it as not
// converged rather than a true zero offset.
type Estimate struct {
	OffsetMs    float64
	RTTMs       float64
	SampleCount int
}

// Converged reports whether at least one sample has been folded in.
func (e Estimate) Converged() bool {
	return e.SampleCount > 0
}
