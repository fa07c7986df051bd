// Package client is a reference room client: it keeps the clock estimate
// fresh against the server and arms playback actions from scheduled room
// events.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/attuneaudio/attune/internal/clocksync"
	"github.com/attuneaudio/attune/internal/player"
	"github.com/attuneaudio/attune/internal/protocol"
)

// Config holds the connection settings for one client.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	ServerURL string
	RoomID    string
	ClientID  string
	Sync      clocksync.Config
}

// Client is one connected room member.
type Client struct {
	cfg       Config
	conn      *websocket.Conn
	engine    *clocksync.Engine
	scheduler *player.Scheduler
	clock     clockwork.Clock
	logger    zerolog.Logger
	send      chan []byte
}

// Dial connects to the server and returns a ready client. Run must be
// called to start the sync loop and read pump.
func Dial(ctx context.Context, cfg Config, exec player.Executor, clock clockwork.Clock, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("room_id", cfg.RoomID)
	q.Set("client_id", cfg.ClientID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		clock:  clock,
		logger: logger.With().Str("room_id", cfg.RoomID).Str("client_id", cfg.ClientID).Logger(),
		send:   make(chan []byte, 64),
	}
	c.engine = clocksync.NewEngine(cfg.Sync, c, clock, c.logger)
	c.scheduler = player.NewScheduler(c.engine, exec, clock, c.logger)
	return c, nil
}

// Estimate returns the current clock estimate.
func (c *Client) Estimate() clocksync.Estimate {
	return c.engine.Estimate()
}

// SendNTPRequest implements clocksync.Sender.
func (c *Client) SendNTPRequest(req protocol.NTPRequest) error {
	return c.enqueue(req)
}

// Play sends a playback intent for the given track and position.
func (c *Client) Play(audioSource string, trackTimeSeconds float64) error {
	return c.enqueue(protocol.PlayMessage{
		Type:             protocol.TypePlay,
		AudioSource:      audioSource,
		TrackTimeSeconds: trackTimeSeconds,
	})
}

// Pause sends a pause intent for the given track and position.
func (c *Client) Pause(audioSource string, trackTimeSeconds float64) error {
	return c.enqueue(protocol.PauseMessage{
		Type:             protocol.TypePause,
		AudioSource:      audioSource,
		TrackTimeSeconds: trackTimeSeconds,
	})
}

// RequestSync asks the server for a fresh alignment.
func (c *Client) RequestSync() error {
	return c.enqueue(protocol.SyncMessage{Type: protocol.TypeSync})
}

func (c *Client) enqueue(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal client message: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// Run drives the client until the context is cancelled or the connection
// drops. It starts the write pump and clock sync loop, requests an
// initial alignment, then consumes server frames.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.scheduler.Stop()
	defer c.conn.Close()

	go c.writePump(ctx)
	go c.engine.Run(ctx)

	if err := c.RequestSync(); err != nil {
		return err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read server frame: %w", err)
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping invalid server frame")
		return
	}

	switch m := msg.(type) {
	case protocol.NTPResponse:
		c.engine.HandleResponse(m)

	case protocol.RoomEventMessage:
		c.scheduler.Arm(m)

	case protocol.RoomStateMessage:
		c.logger.Info().
			Str("audio_source", m.AudioSource).
			Bool("is_playing", m.IsPlaying).
			Float64("track_time_sec", m.TrackTimeSeconds).
			Int("room_size", len(m.Clients)).
			Msg("received room state")
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("failed to write frame")
				return
			}
		}
	}
}
