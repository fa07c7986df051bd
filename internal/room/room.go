package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/attuneaudio/attune/internal/protocol"
)

// Broadcaster delivers server frames to a room's connected clients. It is
// implemented by the transport layer; delivery is fire-and-forget per
// connection so a slow client never blocks the room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, msg protocol.ServerMessage)
	SendToClient(roomID, clientID string, msg protocol.ServerMessage)
}

// EventSink receives every accepted scheduled event for cross-node fanout.
type EventSink interface {
	PublishRoomEvent(roomID string, event protocol.RoomEventMessage) error
}

// Room holds one room's roster and playback state. All mutation happens
// under a single mutex, so interleaved intents can never produce an
// inconsistent state; rooms are independent and proceed in parallel.
type Room struct {
	id          string
	clock       clockwork.Clock
	lead        time.Duration
	broadcaster Broadcaster
	sink        EventSink
	logger      zerolog.Logger

	mu          sync.Mutex
	clients     map[string]*ClientRecord
	playback    PlaybackState
	permissions protocol.PermissionMode
}

func newRoom(id string, cfg Config, broadcaster Broadcaster, sink EventSink, clock clockwork.Clock, logger zerolog.Logger) *Room {
	return &Room{
		id:          id,
		clock:       clock,
		lead:        cfg.SchedulingLead,
		broadcaster: broadcaster,
		sink:        sink,
		logger:      logger.With().Str("room_id", id).Logger(),
		clients:     make(map[string]*ClientRecord),
		permissions: protocol.PermissionEveryone,
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	return r.id
}

// AddClient registers a client in the roster. The first client to join a
// room becomes its admin.
func (r *Room) AddClient(clientID string) *ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[clientID]; ok {
		return existing
	}
	rec := &ClientRecord{
		ClientID: clientID,
		IsAdmin:  len(r.clients) == 0,
		JoinedAt: r.clock.Now(),
	}
	r.clients[clientID] = rec

	r.logger.Info().
		Str("client_id", clientID).
		Bool("is_admin", rec.IsAdmin).
		Int("room_size", len(r.clients)).
		Msg("client joined room")
	return rec
}

// RemoveClient drops a client from the roster and reports whether the
// room is now empty.
func (r *Room) RemoveClient(clientID string) (empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return len(r.clients) == 0
	}
	delete(r.clients, clientID)

	r.logger.Info().
		Str("client_id", clientID).
		Int("room_size", len(r.clients)).
		Msg("client left room")
	return len(r.clients) == 0
}

// RecordRTT stores a client's self-reported RTT. Informational only.
func (r *Room) RecordRTT(clientID string, rttMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.clients[clientID]; ok {
		rec.LastKnownRTTMs = rttMs
	}
}

// Schedule turns an accepted playback intent into a broadcast deadline.
// The target is a uniform lead past now: the coordinator does not know
// every client's RTT precisely, and a fixed lead keeps behavior
// predictable. Unauthorized intents are dropped with a log entry. With
// rapid-fire intents the latest one wins; state always reflects the most
// recent accepted intent.
func (r *Room) Schedule(clientID string, action protocol.PlaybackAction, audioSource string, trackTimeSeconds float64) {
	r.mu.Lock()
	issuer, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.permissions == protocol.PermissionAdminOnly && !issuer.IsAdmin {
		r.mu.Unlock()
		r.logger.Warn().
			Str("client_id", clientID).
			Str("action", string(action)).
			Msg("dropping playback intent from non-admin under ADMIN_ONLY")
		return
	}

	target := protocol.EpochMs(r.clock.Now()) + float64(r.lead.Milliseconds())
	r.playback = PlaybackState{
		CurrentTrack:           audioSource,
		IsPlaying:              action == protocol.ActionPlay,
		PositionAtLastEventSec: trackTimeSeconds,
		LastEventServerTimeMs:  target,
	}
	event := protocol.NewRoomEvent(target, action, audioSource, trackTimeSeconds)
	r.mu.Unlock()

	r.logger.Info().
		Str("client_id", clientID).
		Str("action", string(action)).
		Str("audio_source", audioSource).
		Float64("target_server_time_ms", target).
		Msg("scheduled playback event")

	// Every member gets the event, the issuer included.
	r.broadcaster.BroadcastToRoom(r.id, event)
	r.publish(event)
}

// HandleSync re-aligns one client with the room's current playback. The
// current state is re-asserted through the same scheduling math as a
// fresh intent, so the requester receives a clean future deadline rather
// than "start now". Moving the last-event anchor to the new target with
// the position it will have reached there leaves the playback timeline
// unchanged for everyone else.
func (r *Room) HandleSync(clientID string) {
	r.mu.Lock()
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return
	}

	if r.playback.CurrentTrack == "" {
		state := r.stateMessageLocked()
		r.mu.Unlock()
		r.broadcaster.SendToClient(r.id, clientID, state)
		return
	}

	target := protocol.EpochMs(r.clock.Now()) + float64(r.lead.Milliseconds())
	position := r.playback.PositionAt(target)
	r.playback.PositionAtLastEventSec = position
	r.playback.LastEventServerTimeMs = target

	action := protocol.ActionPause
	if r.playback.IsPlaying {
		action = protocol.ActionPlay
	}
	event := protocol.NewRoomEvent(target, action, r.playback.CurrentTrack, position)
	state := r.stateMessageLocked()
	r.mu.Unlock()

	r.logger.Info().
		Str("client_id", clientID).
		Float64("target_server_time_ms", target).
		Float64("position_sec", position).
		Msg("answering sync request")

	r.broadcaster.SendToClient(r.id, clientID, state)
	r.broadcaster.SendToClient(r.id, clientID, event)
}

// SetAdmin mutates a member's admin flag. Only admins may do this.
func (r *Room) SetAdmin(issuerID, targetID string, isAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	issuer, ok := r.clients[issuerID]
	if !ok || !issuer.IsAdmin {
		r.logger.Warn().Str("client_id", issuerID).Msg("dropping SET_ADMIN from non-admin")
		return
	}
	target, ok := r.clients[targetID]
	if !ok {
		return
	}
	target.IsAdmin = isAdmin
	r.logger.Info().
		Str("client_id", targetID).
		Bool("is_admin", isAdmin).
		Msg("admin status changed")
}

// SetPlaybackControls changes the room's permission policy. Only admins
// may do this.
func (r *Room) SetPlaybackControls(issuerID string, mode protocol.PermissionMode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	issuer, ok := r.clients[issuerID]
	if !ok || !issuer.IsAdmin {
		r.logger.Warn().Str("client_id", issuerID).Msg("dropping SET_PLAYBACK_CONTROLS from non-admin")
		return
	}
	r.permissions = mode
	r.logger.Info().Str("permissions", string(mode)).Msg("playback controls changed")
}

// Playback returns a copy of the room's playback state.
func (r *Room) Playback() PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playback
}

// Permissions returns the room's current permission policy.
func (r *Room) Permissions() protocol.PermissionMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permissions
}

// Clients returns a snapshot of the roster.
func (r *Room) Clients() []protocol.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientInfosLocked()
}

func (r *Room) stateMessageLocked() protocol.RoomStateMessage {
	return protocol.RoomStateMessage{
		Type:             protocol.TypeRoomState,
		AudioSource:      r.playback.CurrentTrack,
		IsPlaying:        r.playback.IsPlaying,
		TrackTimeSeconds: r.playback.PositionAtLastEventSec,
		Permissions:      r.permissions,
		Clients:          r.clientInfosLocked(),
	}
}

func (r *Room) clientInfosLocked() []protocol.ClientInfo {
	infos := make([]protocol.ClientInfo, 0, len(r.clients))
	for _, rec := range r.clients {
		infos = append(infos, protocol.ClientInfo{
			ClientID:       rec.ClientID,
			IsAdmin:        rec.IsAdmin,
			LastKnownRTTMs: rec.LastKnownRTTMs,
		})
	}
	return infos
}

func (r *Room) publish(event protocol.RoomEventMessage) {
	if r.sink == nil {
		return
	}
	if err := r.sink.PublishRoomEvent(r.id, event); err != nil {
		r.logger.Error().Err(err).Msg("failed to publish room event to sink")
	}
}
