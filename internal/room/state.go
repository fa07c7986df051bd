package room

import "time"

// ClientRecord is one connected client in a room. LastKnownRTTMs is the
// server's informational view of the client's self-reported RTT; it is
// surfaced in stats but never used to gate correctness.
type ClientRecord struct {
	ClientID       string
	IsAdmin        bool
	LastKnownRTTMs float64
	JoinedAt       time.Time
}

// PlaybackState is the authoritative playback record for a room. It is
// mutated only when a playback intent is accepted, and always as of the
// intent's scheduled target time so SYNC responses compute correctly.
type PlaybackState struct {
	CurrentTrack           string
	IsPlaying              bool
	PositionAtLastEventSec float64
	LastEventServerTimeMs  float64
}

// PositionAt returns the track position at the given server time. While
// paused the position is frozen at the last event.
func (p PlaybackState) PositionAt(serverTimeMs float64) float64 {
	if !p.IsPlaying {
		return p.PositionAtLastEventSec
	}
	return p.PositionAtLastEventSec + (serverTimeMs-p.LastEventServerTimeMs)/1000
}
