package clocksync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/attuneaudio/attune/internal/protocol"
)

// Sender transmits an NTP request to the server. A failed send simply
// skips that measurement cycle; the loop issues a fresh request on its
// next tick.
type Sender interface {
	SendNTPRequest(req protocol.NTPRequest) error
}

// Config holds the measurement loop tunables. The outlier threshold and
// cadence values are policy knobs validated empirically, not contracts.
type Config struct {
	// WindowSize bounds the sample history used for the smoothed estimate.
	WindowSize int
	// OutlierFactor rejects a sample whose RTT exceeds this multiple of
	// the window's minimum RTT.
	OutlierFactor float64
	// MinSamplesForOutlier disables rejection until the window holds this
	// many samples, so a slow first measurement cannot poison the baseline.
	MinSamplesForOutlier int
	// BurstCount requests are issued at BurstInterval right after connect
	// to converge fast, then the loop backs off to SteadyInterval.
	BurstCount     int
	BurstInterval  time.Duration
	SteadyInterval time.Duration
}

// DefaultConfig returns the measurement loop defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:           40,
		OutlierFactor:        3,
		MinSamplesForOutlier: 5,
		BurstCount:           8,
		BurstInterval:        250 * time.Millisecond,
		SteadyInterval:       2 * time.Second,
	}
}

// Engine keeps a continuously refreshed estimate of clock offset and RTT
// against the server. The estimate is published as an atomically replaced
// immutable snapshot: the playback scheduler reads it at any moment
// without locking, and only the measurement loop writes it.
type Engine struct {
	cfg    Config
	clock  clockwork.Clock
	sender Sender
	logger zerolog.Logger

	estimate atomic.Pointer[Estimate]

	mu     sync.Mutex
	window []Sample
}

// NewEngine creates a clock sync engine. Zero config fields fall back to
// their defaults.
func NewEngine(cfg Config, sender Sender, clock clockwork.Clock, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.OutlierFactor <= 0 {
		cfg.OutlierFactor = def.OutlierFactor
	}
	if cfg.MinSamplesForOutlier <= 0 {
		cfg.MinSamplesForOutlier = def.MinSamplesForOutlier
	}
	if cfg.BurstCount <= 0 {
		cfg.BurstCount = def.BurstCount
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = def.BurstInterval
	}
	if cfg.SteadyInterval <= 0 {
		cfg.SteadyInterval = def.SteadyInterval
	}

	e := &Engine{
		cfg:    cfg,
		clock:  clock,
		sender: sender,
		logger: logger,
		window: make([]Sample, 0, cfg.WindowSize),
	}
	e.estimate.Store(&Estimate{})
	return e
}

// Estimate returns the current smoothed estimate. Before the first sample
// arrives this is the zero value; callers must check Converged.
func (e *Engine) Estimate() Estimate {
	return *e.estimate.Load()
}

// Run issues sync requests until the context is cancelled: an initial
// fast burst to converge quickly, then a steady cadence.
func (e *Engine) Run(ctx context.Context) {
	for i := 0; i < e.cfg.BurstCount; i++ {
		e.sendRequest()
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.cfg.BurstInterval):
		}
	}

	ticker := e.clock.NewTicker(e.cfg.SteadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.sendRequest()
		}
	}
}

func (e *Engine) sendRequest() {
	req := protocol.NTPRequest{
		Type:      protocol.TypeNTPRequest,
		T0:        protocol.EpochMs(e.clock.Now()),
		ClientRTT: e.Estimate().RTTMs,
	}
	if err := e.sender.SendNTPRequest(req); err != nil {
		// Dropped request: the next tick retries with a fresh t0.
		e.logger.Debug().Err(err).Msg("ntp request send failed, skipping cycle")
	}
}

// HandleResponse stamps the receive time and folds the completed sample
// into the estimate. Call this from the transport's read loop as soon as
// an NTP_RESPONSE arrives so t3 stays honest.
func (e *Engine) HandleResponse(resp protocol.NTPResponse) {
	sample := Sample{
		T0: resp.T0,
		T1: resp.T1,
		T2: resp.T2,
		T3: protocol.EpochMs(e.clock.Now()),
	}
	e.RecordSample(sample)
}

// RecordSample folds one measurement into the window and republishes the
// estimate. Samples whose RTT is implausibly large relative to the recent
// minimum are discarded so a momentary network stall cannot drag the
// offset.
func (e *Engine) RecordSample(sample Sample) bool {
	rtt := sample.RTT()
	if rtt < 0 {
		e.logger.Debug().Float64("rtt_ms", rtt).Msg("discarding sample with negative rtt")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.window) >= e.cfg.MinSamplesForOutlier {
		if min := minRTT(e.window); rtt > min*e.cfg.OutlierFactor {
			e.logger.Debug().
				Float64("rtt_ms", rtt).
				Float64("window_min_rtt_ms", min).
				Msg("rejecting outlier sample")
			return false
		}
	}

	e.window = append(e.window, sample)
	if len(e.window) > e.cfg.WindowSize {
		e.window = e.window[1:]
	}
	e.recomputeLocked()
	return true
}

// recomputeLocked rebuilds the published estimate from the window. Offset
// is an RTT-weighted mean since offset error is bounded by RTT/2; the RTT
// estimate is the window minimum, the closest observation to true path
// latency.
func (e *Engine) recomputeLocked() {
	var weightSum, offsetSum float64
	for _, s := range e.window {
		w := 1 / (1 + s.RTT())
		weightSum += w
		offsetSum += w * s.Offset()
	}

	next := &Estimate{
		OffsetMs:    offsetSum / weightSum,
		RTTMs:       minRTT(e.window),
		SampleCount: len(e.window),
	}
	e.estimate.Store(next)
}

func minRTT(window []Sample) float64 {
	min := window[0].RTT()
	for _, s := range window[1:] {
		if rtt := s.RTT(); rtt < min {
			min = rtt
		}
	}
	return min
}
