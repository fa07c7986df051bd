package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the per-room scheduling policy.
type Config struct {
	// SchedulingLead is the fixed buffer added to "now" when computing a
	// broadcast deadline. It must exceed the worst-case client RTT/jitter
	// in a room, else fast clients execute visibly before slow ones.
	SchedulingLead time.Duration
}

// DefaultConfig returns the default scheduling policy.
func DefaultConfig() Config {
	return Config{SchedulingLead: 500 * time.Millisecond}
}

// Manager owns all live rooms, keyed by room id. Room creation and
// lookup are the only cross-room operations; everything else runs under
// the individual room's lock.
type Manager struct {
	cfg         Config
	clock       clockwork.Clock
	broadcaster Broadcaster
	sink        EventSink
	logger      zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a room manager. sink may be nil when cross-node
// fanout is disabled.
func NewManager(cfg Config, broadcaster Broadcaster, sink EventSink, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if cfg.SchedulingLead <= 0 {
		cfg.SchedulingLead = DefaultConfig().SchedulingLead
	}
	return &Manager{
		cfg:         cfg,
		clock:       clock,
		broadcaster: broadcaster,
		sink:        sink,
		logger:      logger,
		rooms:       make(map[string]*Room),
	}
}

// GetOrCreate returns the room with the given id, creating it if needed.
func (m *Manager) GetOrCreate(roomID string) *Room {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.rooms[roomID]; ok {
		return r
	}
	r = newRoom(roomID, m.cfg, m.broadcaster, m.sink, m.clock, m.logger)
	m.rooms[roomID] = r
	m.logger.Info().Str("room_id", roomID).Msg("room created")
	return r
}

// Get returns a live room. Messages racing a room teardown simply see
// ok=false and the caller returns early; that race is benign.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// RemoveClient drops a client from a room and tears the room down once
// its roster is empty.
func (m *Manager) RemoveClient(roomID, clientID string) {
	r, ok := m.Get(roomID)
	if !ok {
		return
	}
	if !r.RemoveClient(clientID) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock: a client may have joined since.
	if r, ok := m.rooms[roomID]; ok && len(r.Clients()) == 0 {
		delete(m.rooms, roomID)
		m.logger.Info().Str("room_id", roomID).Msg("room removed")
	}
}

// Stats summarizes live rooms for the stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalClients := 0
	roomClients := make(map[string]int, len(m.rooms))
	for id, r := range m.rooms {
		n := len(r.Clients())
		totalClients += n
		roomClients[id] = n
	}
	return map[string]interface{}{
		"active_rooms":  len(m.rooms),
		"total_clients": totalClients,
		"room_clients":  roomClients,
	}
}
