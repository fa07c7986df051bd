package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attuneaudio/attune/internal/protocol"
)

type captureSender struct {
	sent chan protocol.NTPRequest
}

func (s *captureSender) SendNTPRequest(req protocol.NTPRequest) error {
	s.sent <- req
	return nil
}

func newTestEngine(t *testing.T, cfg Config, clock clockwork.Clock) (*Engine, *captureSender) {
	t.Helper()
	sender := &captureSender{sent: make(chan protocol.NTPRequest, 64)}
	return NewEngine(cfg, sender, clock, zerolog.Nop()), sender
}

func TestSample_Formulas(t *testing.T) {
	tests := []struct {
		name           string
		sample         Sample
		expectedRTT    float64
		expectedOffset float64
	}{
		{
			name:           "worked example",
			sample:         Sample{T0: 1000, T1: 1050, T2: 1055, T3: 1110},
			expectedRTT:    105,
			expectedOffset: -2.5,
		},
		{
			name:           "zero latency zero skew",
			sample:         Sample{T0: 1000, T1: 1000, T2: 1000, T3: 1000},
			expectedRTT:    0,
			expectedOffset: 0,
		},
		{
			name:           "pure skew",
			sample:         Sample{T0: 1000, T1: 1200, T2: 1200, T3: 1000},
			expectedRTT:    0,
			expectedOffset: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expectedRTT, tt.sample.RTT(), 1e-9)
			assert.InDelta(t, tt.expectedOffset, tt.sample.Offset(), 1e-9)
		})
	}
}

func TestEngine_DefaultEstimateNotConverged(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, clockwork.NewFakeClock())

	est := engine.Estimate()
	assert.False(t, est.Converged())
	assert.Zero(t, est.OffsetMs)
	assert.Zero(t, est.RTTMs)
}

// linkSample synthesizes one measurement round over a link with the given
// one-way latency and server clock skew, starting at client time t0.
func linkSample(t0, oneWayMs, skewMs float64) Sample {
	return Sample{
		T0: t0,
		T1: t0 + oneWayMs + skewMs,
		T2: t0 + oneWayMs + skewMs,
		T3: t0 + 2*oneWayMs,
	}
}

func TestEngine_OffsetConvergence(t *testing.T) {
	const (
		trueSkew = 200.0
		oneWay   = 25.0
	)
	engine, _ := newTestEngine(t, Config{}, clockwork.NewFakeClock())

	t0 := 10_000.0
	for i := 0; i < 20; i++ {
		require.True(t, engine.RecordSample(linkSample(t0, oneWay, trueSkew)))
		t0 += 1000
	}

	est := engine.Estimate()
	require.True(t, est.Converged())
	assert.InDelta(t, trueSkew, est.OffsetMs, 5)
	assert.InDelta(t, 2*oneWay, est.RTTMs, 1e-6)
}

func TestEngine_OutlierRejection(t *testing.T) {
	const trueSkew = -80.0
	engine, _ := newTestEngine(t, Config{}, clockwork.NewFakeClock())

	t0 := 10_000.0
	for i := 0; i < 10; i++ {
		require.True(t, engine.RecordSample(linkSample(t0, 20, trueSkew)))
		t0 += 1000
	}
	baseline := engine.Estimate()

	// A single stall with 100x the baseline RTT must not shift the offset.
	stalled := Sample{
		T0: t0,
		T1: t0 + 2000 + trueSkew + 500, // wildly asymmetric delay
		T2: t0 + 2000 + trueSkew + 500,
		T3: t0 + 4000,
	}
	accepted := engine.RecordSample(stalled)

	assert.False(t, accepted)
	est := engine.Estimate()
	assert.InDelta(t, baseline.OffsetMs, est.OffsetMs, 1e-9)
	assert.Equal(t, baseline.SampleCount, est.SampleCount)
}

func TestEngine_NegativeRTTDiscarded(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, clockwork.NewFakeClock())

	accepted := engine.RecordSample(Sample{T0: 1000, T1: 1000, T2: 1500, T3: 1100})
	assert.False(t, accepted)
	assert.False(t, engine.Estimate().Converged())
}

func TestEngine_WindowEviction(t *testing.T) {
	engine, _ := newTestEngine(t, Config{WindowSize: 3}, clockwork.NewFakeClock())

	t0 := 10_000.0
	for i := 0; i < 5; i++ {
		require.True(t, engine.RecordSample(linkSample(t0, 10, 50)))
		t0 += 1000
	}

	assert.Equal(t, 3, engine.Estimate().SampleCount)
}

func TestEngine_LowRTTSamplesWeighHeavier(t *testing.T) {
	engine, _ := newTestEngine(t, Config{OutlierFactor: 1000}, clockwork.NewFakeClock())

	// A tight sample reporting offset 100 and a loose asymmetric one
	// reporting offset 160. The estimate should sit near the tight one.
	require.True(t, engine.RecordSample(Sample{T0: 1000, T1: 1101, T2: 1101, T3: 1002}))
	require.True(t, engine.RecordSample(Sample{T0: 2000, T1: 2360, T2: 2360, T3: 2400}))

	est := engine.Estimate()
	assert.Less(t, est.OffsetMs, 130.0)
	assert.Greater(t, est.OffsetMs, 99.0)
}

func TestEngine_RunBurstThenSteady(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cfg := Config{
		BurstCount:     2,
		BurstInterval:  time.Second,
		SteadyInterval: 5 * time.Second,
	}
	engine, sender := newTestEngine(t, cfg, fc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	recv := func() protocol.NTPRequest {
		t.Helper()
		select {
		case req := <-sender.sent:
			return req
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ntp request")
			return protocol.NTPRequest{}
		}
	}

	// First burst request is issued immediately.
	first := recv()
	assert.Equal(t, protocol.TypeNTPRequest, first.Type)
	assert.Greater(t, first.T0, 0.0)

	// Second burst request after the burst interval.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)
	recv()

	// Let the burst loop's trailing wait elapse so the steady ticker is
	// armed, then advance one steady interval.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(5 * time.Second)
	recv()
}

func TestEngine_HandleResponseStampsReceiveTime(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.UnixMilli(2_000_000))
	engine, _ := newTestEngine(t, Config{}, fc)

	now := protocol.EpochMs(fc.Now())
	engine.HandleResponse(protocol.NTPResponse{
		Type: protocol.TypeNTPResponse,
		T0:   now - 100,
		T1:   now - 50,
		T2:   now - 50,
	})

	est := engine.Estimate()
	require.True(t, est.Converged())
	assert.InDelta(t, 100, est.RTTMs, 1e-6)
	assert.InDelta(t, 0, est.OffsetMs, 1e-6)
}
