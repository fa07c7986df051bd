package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/protocol"
	"github.com/attuneaudio/attune/internal/room"
	"github.com/attuneaudio/attune/internal/timeauth"
)

// ClientSession is the slice of a connection the message handler needs.
type ClientSession interface {
	RoomID() string
	ClientID() string
	Send(msg protocol.ServerMessage) error
}

// Handler routes parsed client frames to the room and time-authority
// operations.
type Handler struct {
	rooms     *room.Manager
	authority *timeauth.Authority
}

// NewHandler creates the gateway message handler.
func NewHandler(rooms *room.Manager, authority *timeauth.Authority) *Handler {
	return &Handler{rooms: rooms, authority: authority}
}

// OnConnect registers the client in its room's roster.
func (h *Handler) OnConnect(conn *Connection) {
	h.rooms.GetOrCreate(conn.RoomID()).AddClient(conn.ClientID())
}

// OnDisconnect removes the client; the room is torn down once empty.
func (h *Handler) OnDisconnect(conn *Connection) {
	h.rooms.RemoveClient(conn.RoomID(), conn.ClientID())
}

// OnMessage parses and dispatches one inbound frame.
func (h *Handler) OnMessage(conn *Connection, data []byte) {
	h.Dispatch(conn, data)
}

// Dispatch validates a frame at the transport boundary and routes it.
// Frames for rooms that no longer exist are ignored: a message racing a
// room teardown is a normal occurrence, not a fault.
func (h *Handler) Dispatch(sess ClientSession, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Warn().
			Err(err).
			Str("client_id", sess.ClientID()).
			Str("room_id", sess.RoomID()).
			Msg("rejecting invalid client message")
		return
	}

	switch m := msg.(type) {
	case protocol.NTPRequest:
		// Stamp before anything else so t1 reflects arrival time.
		resp := h.authority.Stamp(m)
		if rm, ok := h.rooms.Get(sess.RoomID()); ok && m.ClientRTT > 0 {
			rm.RecordRTT(sess.ClientID(), m.ClientRTT)
		}
		if err := sess.Send(resp); err != nil {
			// The client's next sync tick recovers; nothing to retry.
			log.Debug().Err(err).Str("client_id", sess.ClientID()).Msg("ntp response dropped")
		}

	case protocol.PlayMessage:
		if rm, ok := h.rooms.Get(sess.RoomID()); ok {
			rm.Schedule(sess.ClientID(), protocol.ActionPlay, m.AudioSource, m.TrackTimeSeconds)
		}

	case protocol.PauseMessage:
		if rm, ok := h.rooms.Get(sess.RoomID()); ok {
			rm.Schedule(sess.ClientID(), protocol.ActionPause, m.AudioSource, m.TrackTimeSeconds)
		}

	case protocol.SyncMessage:
		if rm, ok := h.rooms.Get(sess.RoomID()); ok {
			rm.HandleSync(sess.ClientID())
		}

	case protocol.SetAdminMessage:
		if rm, ok := h.rooms.Get(sess.RoomID()); ok {
			rm.SetAdmin(sess.ClientID(), m.ClientID, m.IsAdmin)
		}

	case protocol.SetPlaybackControlsMessage:
		if rm, ok := h.rooms.Get(sess.RoomID()); ok {
			rm.SetPlaybackControls(sess.ClientID(), m.Permissions)
		}
	}
}
