// Package relay fans scheduled room events out across server nodes over
// NATS, so clients of one room may be spread over several gateways.
// Plain pub/sub is deliberate: scheduled deadlines are ephemeral, and a
// durable stream replaying them after the fact would re-fire stale
// events.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/protocol"
)

// LocalBroadcaster delivers a remote event to this node's connections.
type LocalBroadcaster interface {
	BroadcastToRoom(roomID string, msg protocol.ServerMessage)
}

// Config holds the NATS relay settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default relay configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "room.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

type envelope struct {
	Origin string                    `json:"origin"`
	RoomID string                    `json:"roomId"`
	Event  protocol.RoomEventMessage `json:"event"`
}

// Relay publishes this node's scheduled events and rebroadcasts events
// published by peer nodes.
type Relay struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	local  LocalBroadcaster
	config Config
	nodeID string
}

// New connects to NATS and returns a relay. The relay implements
// room.EventSink.
func New(config Config, local LocalBroadcaster) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Relay{
		nc:     nc,
		local:  local,
		config: config,
		nodeID: uuid.New().String(),
	}, nil
}

// PublishRoomEvent pushes one scheduled event to peer nodes.
func (r *Relay) PublishRoomEvent(roomID string, event protocol.RoomEventMessage) error {
	data, err := json.Marshal(envelope{
		Origin: r.nodeID,
		RoomID: roomID,
		Event:  event,
	})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", r.config.SubjectPrefix, roomID)
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Start subscribes to peer events and blocks until the context is
// cancelled.
func (r *Relay) Start(ctx context.Context) error {
	subject := r.config.SubjectPrefix + ".>"
	sub, err := r.nc.Subscribe(subject, r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	r.sub = sub

	log.Info().
		Str("subject", subject).
		Str("node_id", r.nodeID).
		Msg("relay subscribed")

	<-ctx.Done()
	return r.Close()
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe relay")
		}
		r.sub = nil
	}
	r.nc.Close()
	return nil
}

// handleMessage rebroadcasts a peer node's event locally. Events this
// node published itself are skipped to avoid echo.
func (r *Relay) handleMessage(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.nodeID {
		return
	}

	log.Debug().
		Str("room_id", env.RoomID).
		Str("origin", env.Origin).
		Msg("rebroadcasting peer room event")
	r.local.BroadcastToRoom(env.RoomID, env.Event)
}
