package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame into its concrete message type.
// Unknown types and frames that fail field validation are rejected here so
// downstream handlers only ever see trusted, well-formed input.
func ParseClientMessage(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch env.Type {
	case TypeNTPRequest:
		var msg NTPRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if msg.T0 <= 0 {
			return nil, fmt.Errorf("%s: missing t0 timestamp", env.Type)
		}
		return msg, nil

	case TypePlay:
		var msg PlayMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := validateIntent(msg.AudioSource, msg.TrackTimeSeconds); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		return msg, nil

	case TypePause:
		var msg PauseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if err := validateIntent(msg.AudioSource, msg.TrackTimeSeconds); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		return msg, nil

	case TypeSync:
		return SyncMessage{Type: TypeSync}, nil

	case TypeSetAdmin:
		var msg SetAdminMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if msg.ClientID == "" {
			return nil, fmt.Errorf("%s: missing clientId", env.Type)
		}
		return msg, nil

	case TypeSetPlaybackControls:
		var msg SetPlaybackControlsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if !msg.Permissions.Valid() {
			return nil, fmt.Errorf("%s: invalid permissions %q", env.Type, msg.Permissions)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ParseServerMessage decodes a server frame on the client side.
func ParseServerMessage(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch env.Type {
	case TypeNTPResponse:
		var msg NTPResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil

	case TypeRoomEvent:
		var msg RoomEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if msg.Action != ActionPlay && msg.Action != ActionPause {
			return nil, fmt.Errorf("%s: invalid action %q", env.Type, msg.Action)
		}
		return msg, nil

	case TypeRoomState:
		var msg RoomStateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func validateIntent(audioSource string, trackTimeSeconds float64) error {
	if audioSource == "" {
		return fmt.Errorf("missing audioSource")
	}
	if trackTimeSeconds < 0 {
		return fmt.Errorf("negative trackTimeSeconds")
	}
	return nil
}
