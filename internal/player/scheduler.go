// Package player arms playback actions to fire at the correct local
// instant despite the client not sharing a clock with the server.
package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/attuneaudio/attune/internal/clocksync"
	"github.com/attuneaudio/attune/internal/protocol"
)

// Executor performs the actual audio action when a deadline fires.
type Executor interface {
	Play(audioSource string, positionSeconds float64)
	Pause(audioSource string, positionSeconds float64)
}

// EstimateSource yields the freshest clock estimate. Implemented by
// clocksync.Engine.
type EstimateSource interface {
	Estimate() clocksync.Estimate
}

// Scheduler converts server-time deadlines into local one-shot timers.
// At most one timer is armed at a time: arming cancels any pending timer,
// so superseded events never double-fire.
type Scheduler struct {
	clock     clockwork.Clock
	estimates EstimateSource
	exec      Executor
	logger    zerolog.Logger

	mu      sync.Mutex
	current *armedTimer
}

type armedTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewScheduler creates a playback scheduler.
func NewScheduler(estimates EstimateSource, exec Executor, clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:     clock,
		estimates: estimates,
		exec:      exec,
		logger:    logger,
	}
}

// Arm schedules the event's action for its local-clock deadline. The
// offset estimate is read here, at arm time, so the freshest value is
// used; the remaining lead window is short enough that drift within it is
// negligible. A deadline already in the past executes immediately with
// the track position advanced by the overshoot, since audible sync is
// still approximately achieved and the action must not be dropped.
func (s *Scheduler) Arm(event protocol.RoomEventMessage) {
	estimate := s.estimates.Estimate()
	localDeadlineMs := event.TargetServerTimeMs - estimate.OffsetMs
	delayMs := localDeadlineMs - protocol.EpochMs(s.clock.Now())

	s.mu.Lock()
	s.cancelLocked()

	if delayMs <= 0 {
		s.mu.Unlock()
		position := event.TrackTimeSeconds
		if event.Action == protocol.ActionPlay {
			position += -delayMs / 1000
		}
		s.logger.Warn().
			Float64("late_ms", -delayMs).
			Str("action", string(event.Action)).
			Msg("deadline already passed, executing immediately")
		s.execute(event.Action, event.AudioSource, position)
		return
	}

	at := &armedTimer{
		timer:  s.clock.NewTimer(time.Duration(delayMs * float64(time.Millisecond))),
		cancel: make(chan struct{}),
	}
	s.current = at
	s.mu.Unlock()

	s.logger.Debug().
		Float64("delay_ms", delayMs).
		Float64("offset_ms", estimate.OffsetMs).
		Str("action", string(event.Action)).
		Msg("armed playback timer")

	go func() {
		select {
		case <-at.timer.Chan():
			// Fire only if this timer is still the armed one; a re-arm
			// racing the fire must win.
			s.mu.Lock()
			if s.current != at {
				s.mu.Unlock()
				return
			}
			s.current = nil
			s.mu.Unlock()
			s.execute(event.Action, event.AudioSource, event.TrackTimeSeconds)
		case <-at.cancel:
		}
	}()
}

// Stop cancels any pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// cancelLocked cancels the pending timer if any, stopping and draining it
// so the waiting goroutine exits without firing.
func (s *Scheduler) cancelLocked() {
	if s.current == nil {
		return
	}
	close(s.current.cancel)
	stopAndDrainTimer(s.current.timer)
	s.current = nil
}

// stopAndDrainTimer stops a timer and drains its channel, per the
// time.Timer.Stop documentation, so no stale fire is left behind.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func (s *Scheduler) execute(action protocol.PlaybackAction, audioSource string, positionSeconds float64) {
	switch action {
	case protocol.ActionPlay:
		s.exec.Play(audioSource, positionSeconds)
	case protocol.ActionPause:
		s.exec.Pause(audioSource, positionSeconds)
	}
}
