package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/attuneaudio/attune/internal/room"
	"github.com/attuneaudio/attune/internal/timeauth"
)

// Service ties the websocket transport to the room and time-authority
// logic.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	handler           *Handler
	rooms             *room.Manager
}

// NewService creates the gateway service and wires the connection
// manager's session callbacks to the message handler.
func NewService(cm *ConnectionManager, rooms *room.Manager, authority *timeauth.Authority) *Service {
	handler := NewHandler(rooms, authority)
	cm.SetSessionHandler(handler)

	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
		handler:           handler,
		rooms:             rooms,
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.connectionManager.Start(ctx)
}

// RegisterRoutes registers the websocket and stats HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.HandleFunc("/stats", s.handleStats)
	log.Info().Msg("gateway routes registered")
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.connectionManager.GetConnectionStats()
	stats["rooms"] = s.rooms.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode stats")
	}
}
