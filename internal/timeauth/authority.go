// Package timeauth is the canonical time reference all clients converge
// toward. It keeps no state across requests, which makes it trivially
// horizontally scalable.
package timeauth

import (
	"github.com/jonboulle/clockwork"

	"github.com/attuneaudio/attune/internal/protocol"
)

// Authority stamps receive and send times onto NTP requests.
type Authority struct {
	clock clockwork.Clock
}

// New creates a time authority backed by the given clock.
func New(clock clockwork.Clock) *Authority {
	return &Authority{clock: clock}
}

// Stamp answers one sync request. Call it as soon as the request is read
// off the wire: t1 is taken at entry and t2 just before the response is
// returned, so the interval between them covers only server processing.
func (a *Authority) Stamp(req protocol.NTPRequest) protocol.NTPResponse {
	t1 := protocol.EpochMs(a.clock.Now())
	t2 := protocol.EpochMs(a.clock.Now())
	return protocol.NewNTPResponse(req.T0, t1, t2)
}

// Now returns the authority's current clock reading in epoch milliseconds.
func (a *Authority) Now() float64 {
	return protocol.EpochMs(a.clock.Now())
}
