package signaling

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
	"github.com/DeclanJeon/ponswarp-signaling/internal/rooms"
)

type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosed
)

// Session is the per-connection protocol state machine.
//
// The state fields are owned exclusively by the connection's reader goroutine:
// every transition happens inside HandleMessage or Finish, both of which run
// on that goroutine. Other goroutines interact with a Session only through
// TrySend, which touches nothing but the outbound queue.
type Session struct {
	id       string
	log      *slog.Logger
	registry *rooms.Registry
	router   *Router
	metrics  *metrics.Metrics

	out *sendQueue
	// abort force-closes the underlying transport. Invoked when this
	// connection's queue overflows, so a slow consumer is disconnected
	// instead of silently losing an unbounded stream of messages.
	abort     func()
	abortOnce sync.Once

	finishOnce sync.Once

	state  sessionState
	roomID string
}

func newSession(id string, log *slog.Logger, registry *rooms.Registry, router *Router, m *metrics.Metrics, out *sendQueue, abort func()) *Session {
	if abort == nil {
		abort = func() {}
	}
	return &Session{
		id:       id,
		log:      log.With("peer_id", id),
		registry: registry,
		router:   router,
		metrics:  m,
		out:      out,
		abort:    abort,
	}
}

// PeerID returns the server-assigned identifier for this connection.
func (s *Session) PeerID() string { return s.id }

// TrySend implements rooms.Sink. It never blocks; a slow consumer that
// overflows its queue gets its connection closed and false returned.
func (s *Session) TrySend(msg []byte) bool {
	if s.out.Enqueue(msg) {
		return true
	}
	s.metrics.Inc(metrics.EventSendQueueDrop)
	s.abortOnce.Do(func() {
		s.log.Warn("outbound queue full, closing slow connection",
			"drops", s.out.DropCount())
		s.abort()
	})
	return false
}

// HandleMessage processes one raw inbound message. It must only be called
// from the connection's reader goroutine.
func (s *Session) HandleMessage(data []byte) {
	if s.state == stateClosed {
		return
	}

	msg, err := parseClientMessage(data)
	if err != nil {
		s.metrics.Inc(metrics.EventInvalidPayload)
		s.TrySend(encodeError(errCodeInvalidPayload, err.Error()))
		return
	}

	switch msg.Type {
	case messageTypeHeartbeat:
		s.TrySend(encodeServerMessage(messageTypeHeartbeatAck, nil))

	case messageTypeJoinRoom:
		s.handleJoin(msg.Join.RoomID)

	case messageTypeLeaveRoom:
		// Leaving while unjoined is a silent no-op: disconnect races make the
		// client's view of membership inherently stale.
		if s.state == stateJoined {
			s.leaveCurrentRoom()
		}

	case messageTypeOffer, messageTypeAnswer, messageTypeIceCandidate:
		if s.state != stateJoined {
			s.TrySend(encodeError(errCodeNotInRoom, "join a room before signaling"))
			return
		}
		s.router.RelaySignal(s, msg.Type, msg.Signal)

	case messageTypeTurnCredentialRequest:
		s.router.TurnCredentials(s)

	case messageTypeRequestTurnConfig:
		s.router.TurnConfig(s, msg.TurnConfig.RoomID)
	}
}

func (s *Session) handleJoin(roomID string) {
	if s.state == stateJoined && s.roomID == roomID {
		s.TrySend(encodeError(errCodeAlreadyJoined, fmt.Sprintf("already a member of room %q", roomID)))
		return
	}

	// Insert into the new room before leaving the old one, so a rejected
	// join (full room) leaves the current membership untouched.
	existing, err := s.registry.Join(roomID, s.id, s)
	switch err {
	case nil:
	case rooms.ErrRoomFull:
		s.TrySend(encodeServerMessage(messageTypeRoomFull, roomFullPayload{RoomID: roomID}))
		return
	case rooms.ErrAlreadyJoined:
		s.TrySend(encodeError(errCodeAlreadyJoined, fmt.Sprintf("already a member of room %q", roomID)))
		return
	default:
		// Should not happen under correct registry discipline; fatal to this
		// connection only.
		s.log.Error("registry join failed", "room_id", roomID, "err", err)
		s.TrySend(encodeError(errCodeRegistryInternal, "internal registry error"))
		s.abortOnce.Do(s.abort)
		return
	}

	if s.state == stateJoined {
		s.leaveCurrentRoom()
	}
	s.state = stateJoined
	s.roomID = roomID

	if existing == nil {
		existing = []string{}
	}
	s.TrySend(encodeServerMessage(messageTypeRoomJoined, roomJoinedPayload{Members: existing}))

	s.registry.Broadcast(roomID, s.id, encodeServerMessage(messageTypePeerJoined, peerEventPayload{
		PeerID: s.id,
		RoomID: roomID,
	}))
	s.broadcastRoomUsers(roomID)

	s.log.Info("peer joined room", "room_id", roomID, "members", len(existing)+1)
}

// leaveCurrentRoom removes the session from its room, notifies the remaining
// members and returns the session to the unjoined state.
func (s *Session) leaveCurrentRoom() {
	roomID := s.roomID
	s.state = stateUnjoined
	s.roomID = ""

	removed, remaining := s.registry.Leave(roomID, s.id)
	if !removed {
		// Already gone (swept room or a cleanup race); nothing to announce.
		return
	}

	s.registry.Broadcast(roomID, "", encodeServerMessage(messageTypePeerLeft, peerEventPayload{
		PeerID: s.id,
	}))
	if remaining > 0 {
		s.broadcastRoomUsers(roomID)
	}

	s.log.Info("peer left room", "room_id", roomID, "remaining", remaining)
}

func (s *Session) broadcastRoomUsers(roomID string) {
	users := s.registry.Members(roomID)
	if users == nil {
		return
	}
	s.registry.Broadcast(roomID, "", encodeServerMessage(messageTypeRoomUsers, roomUsersPayload{Users: users}))
}

// Finish runs disconnect cleanup exactly once and moves the session to its
// terminal state. Safe to call multiple times.
func (s *Session) Finish() {
	s.finishOnce.Do(func() {
		if s.state == stateJoined {
			s.leaveCurrentRoom()
		}
		s.state = stateClosed
		s.metrics.Inc(metrics.EventConnectionClosed)
		s.log.Info("connection closed")
	})
}
