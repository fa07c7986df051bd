package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attuneaudio/attune/internal/protocol"
	"github.com/attuneaudio/attune/internal/room"
	"github.com/attuneaudio/attune/internal/timeauth"
)

type fakeSession struct {
	roomID   string
	clientID string
	mu       sync.Mutex
	sent     []protocol.ServerMessage
}

func (s *fakeSession) RoomID() string   { return s.roomID }
func (s *fakeSession) ClientID() string { return s.clientID }

func (s *fakeSession) Send(msg protocol.ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	broadcasts []protocol.ServerMessage
	unicasts   []protocol.ServerMessage
}

func (b *fakeBroadcaster) BroadcastToRoom(roomID string, msg protocol.ServerMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, msg)
}

func (b *fakeBroadcaster) SendToClient(roomID, clientID string, msg protocol.ServerMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unicasts = append(b.unicasts, msg)
}

func newTestHandler(t *testing.T) (*Handler, *room.Manager, *fakeBroadcaster, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.UnixMilli(9_000_000))
	b := &fakeBroadcaster{}
	rooms := room.NewManager(room.Config{SchedulingLead: 500 * time.Millisecond}, b, nil, fc, zerolog.Nop())
	return NewHandler(rooms, timeauth.New(fc)), rooms, b, fc
}

func TestHandler_NTPRequestStampedAndAnswered(t *testing.T) {
	h, rooms, _, fc := newTestHandler(t)
	rooms.GetOrCreate("r1").AddClient("alice")
	sess := &fakeSession{roomID: "r1", clientID: "alice"}

	h.Dispatch(sess, []byte(`{"type":"NTP_REQUEST","t0":1234,"clientRTT":55}`))

	require.Len(t, sess.sent, 1)
	resp, ok := sess.sent[0].(protocol.NTPResponse)
	require.True(t, ok)
	assert.InDelta(t, 1234, resp.T0, 1e-9)
	assert.InDelta(t, protocol.EpochMs(fc.Now()), resp.T1, 1e-6)

	// The reported RTT lands in the roster, informational only.
	rm, ok := rooms.Get("r1")
	require.True(t, ok)
	for _, info := range rm.Clients() {
		if info.ClientID == "alice" {
			assert.InDelta(t, 55, info.LastKnownRTTMs, 1e-9)
		}
	}
}

func TestHandler_NTPRequestAfterRoomTeardown(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	sess := &fakeSession{roomID: "gone", clientID: "alice"}

	// The room never existed. The client still deserves an answer: the
	// authority is stateless and the roster update is simply skipped.
	h.Dispatch(sess, []byte(`{"type":"NTP_REQUEST","t0":1234}`))
	require.Len(t, sess.sent, 1)
}

func TestHandler_PlayDispatchesToRoom(t *testing.T) {
	h, rooms, b, _ := newTestHandler(t)
	rooms.GetOrCreate("r1").AddClient("alice")
	sess := &fakeSession{roomID: "r1", clientID: "alice"}

	h.Dispatch(sess, []byte(`{"type":"PLAY","audioSource":"track","trackTimeSeconds":4}`))

	require.Len(t, b.broadcasts, 1)
	event, ok := b.broadcasts[0].(protocol.RoomEventMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionPlay, event.Action)

	rm, _ := rooms.Get("r1")
	assert.True(t, rm.Playback().IsPlaying)
}

func TestHandler_ControlMessageForMissingRoomIgnored(t *testing.T) {
	h, _, b, _ := newTestHandler(t)
	sess := &fakeSession{roomID: "gone", clientID: "alice"}

	h.Dispatch(sess, []byte(`{"type":"PLAY","audioSource":"track","trackTimeSeconds":4}`))
	h.Dispatch(sess, []byte(`{"type":"SYNC"}`))

	assert.Empty(t, b.broadcasts)
	assert.Empty(t, b.unicasts)
	assert.Empty(t, sess.sent)
}

func TestHandler_InvalidMessageRejectedAtBoundary(t *testing.T) {
	h, rooms, b, _ := newTestHandler(t)
	rooms.GetOrCreate("r1").AddClient("alice")
	sess := &fakeSession{roomID: "r1", clientID: "alice"}

	h.Dispatch(sess, []byte(`{"type":"PLAY"}`))
	h.Dispatch(sess, []byte(`garbage`))

	assert.Empty(t, b.broadcasts)
	assert.Empty(t, sess.sent)
}

func TestHandler_SyncAndControls(t *testing.T) {
	h, rooms, b, _ := newTestHandler(t)
	rm := rooms.GetOrCreate("r1")
	rm.AddClient("alice")
	rm.AddClient("bob")

	alice := &fakeSession{roomID: "r1", clientID: "alice"}
	bob := &fakeSession{roomID: "r1", clientID: "bob"}

	h.Dispatch(alice, []byte(`{"type":"SET_PLAYBACK_CONTROLS","permissions":"ADMIN_ONLY"}`))
	assert.Equal(t, protocol.PermissionAdminOnly, rm.Permissions())

	// Bob is blocked until promoted.
	h.Dispatch(bob, []byte(`{"type":"PLAY","audioSource":"track","trackTimeSeconds":0}`))
	assert.Empty(t, b.broadcasts)

	h.Dispatch(alice, []byte(`{"type":"SET_ADMIN","clientId":"bob","isAdmin":true}`))
	h.Dispatch(bob, []byte(`{"type":"PLAY","audioSource":"track","trackTimeSeconds":0}`))
	assert.Len(t, b.broadcasts, 1)

	h.Dispatch(bob, []byte(`{"type":"SYNC"}`))
	assert.NotEmpty(t, b.unicasts)
}
