package protocol

// Message type discriminators carried in the "type" field of every frame.
const (
	// Client to server.
	TypeNTPRequest          = "NTP_REQUEST"
	TypePlay                = "PLAY"
	TypePause               = "PAUSE"
	TypeSync                = "SYNC"
	TypeSetAdmin            = "SET_ADMIN"
	TypeSetPlaybackControls = "SET_PLAYBACK_CONTROLS"

	// Server to client.
	TypeNTPResponse = "NTP_RESPONSE"
	TypeRoomEvent   = "ROOM_EVENT"
	TypeRoomState   = "ROOM_STATE"
)

// PlaybackAction is the transition a scheduled event applies.
type PlaybackAction string

const (
	ActionPlay  PlaybackAction = "PLAY"
	ActionPause PlaybackAction = "PAUSE"
)

// PermissionMode controls who may issue playback intents in a room.
type PermissionMode string

const (
	PermissionAdminOnly PermissionMode = "ADMIN_ONLY"
	PermissionEveryone  PermissionMode = "EVERYONE"
)

// Valid reports whether the mode is one of the known values.
func (m PermissionMode) Valid() bool {
	return m == PermissionAdminOnly || m == PermissionEveryone
}

// NTPRequest is one clock sample request. T0 is the client send timestamp.
// ClientRTT is the client's current RTT estimate, informational only.
type NTPRequest struct {
	Type      string  `json:"type"`
	T0        float64 `json:"t0"`
	ClientRTT float64 `json:"clientRTT,omitempty"`
}

// PlayMessage requests playback of a track at a given position.
type PlayMessage struct {
	Type             string  `json:"type"`
	AudioSource      string  `json:"audioSource"`
	TrackTimeSeconds float64 `json:"trackTimeSeconds"`
}

// PauseMessage requests a pause at a given position.
type PauseMessage struct {
	Type             string  `json:"type"`
	AudioSource      string  `json:"audioSource"`
	TrackTimeSeconds float64 `json:"trackTimeSeconds"`
}

// SyncMessage asks the server for a fresh alignment of the room's
// current playback state, typically on (re)join.
type SyncMessage struct {
	Type string `json:"type"`
}

// SetAdminMessage grants or revokes admin status for a client.
type SetAdminMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	IsAdmin  bool   `json:"isAdmin"`
}

// SetPlaybackControlsMessage changes the room's playback permission policy.
type SetPlaybackControlsMessage struct {
	Type        string         `json:"type"`
	Permissions PermissionMode `json:"permissions"`
}

// NTPResponse echoes the client's T0 and carries the server receive (T1)
// and send (T2) timestamps. The client stamps T3 on arrival.
type NTPResponse struct {
	Type string  `json:"type"`
	T0   float64 `json:"t0"`
	T1   float64 `json:"t1"`
	T2   float64 `json:"t2"`
}

// RoomEventMessage is the broadcast unit telling every client in a room
// what to do and at which point on the server's clock to do it.
type RoomEventMessage struct {
	Type               string         `json:"type"`
	TargetServerTimeMs float64        `json:"targetServerTimeMs"`
	Action             PlaybackAction `json:"action"`
	AudioSource        string         `json:"audioSource"`
	TrackTimeSeconds   float64        `json:"trackTimeSeconds"`
}

// ClientInfo is the server's view of one room member.
type ClientInfo struct {
	ClientID       string  `json:"clientId"`
	IsAdmin        bool    `json:"isAdmin"`
	LastKnownRTTMs float64 `json:"lastKnownRTTMs"`
}

// RoomStateMessage is a snapshot of a room's playback state, sent to a
// client answering its SYNC request.
type RoomStateMessage struct {
	Type             string         `json:"type"`
	AudioSource      string         `json:"audioSource"`
	IsPlaying        bool           `json:"isPlaying"`
	TrackTimeSeconds float64        `json:"trackTimeSeconds"`
	Permissions      PermissionMode `json:"permissions"`
	Clients          []ClientInfo   `json:"clients"`
}

// ServerMessage is implemented by every frame the server sends to clients.
type ServerMessage interface {
	serverMessage()
}

func (NTPResponse) serverMessage()      {}
func (RoomEventMessage) serverMessage() {}
func (RoomStateMessage) serverMessage() {}

// NewNTPResponse builds an NTP_RESPONSE frame.
func NewNTPResponse(t0, t1, t2 float64) NTPResponse {
	return NTPResponse{Type: TypeNTPResponse, T0: t0, T1: t1, T2: t2}
}

// NewRoomEvent builds a ROOM_EVENT frame.
func NewRoomEvent(targetServerTimeMs float64, action PlaybackAction, audioSource string, trackTimeSeconds float64) RoomEventMessage {
	return RoomEventMessage{
		Type:               TypeRoomEvent,
		TargetServerTimeMs: targetServerTimeMs,
		Action:             action,
		AudioSource:        audioSource,
		TrackTimeSeconds:   trackTimeSeconds,
	}
}
