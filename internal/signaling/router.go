package signaling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
	"github.com/DeclanJeon/ponswarp-signaling/internal/rooms"
	"github.com/DeclanJeon/ponswarp-signaling/internal/turnrest"
)

// Router forwards SDP and ICE payloads between members of a room and answers
// TURN credential requests. It is stateless: all membership lives in the
// registry, so one Router is shared by every session.
type Router struct {
	log      *slog.Logger
	registry *rooms.Registry
	metrics  *metrics.Metrics

	// turn is nil when no shared secret is configured; credential requests
	// are then answered with an error instead of forged credentials.
	turn        *turnrest.Generator
	turnServers turnrest.ServerSet
	now         func() time.Time
}

func NewRouter(log *slog.Logger, registry *rooms.Registry, m *metrics.Metrics, turn *turnrest.Generator, servers turnrest.ServerSet, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{
		log:         log,
		registry:    registry,
		metrics:     m,
		turn:        turn,
		turnServers: servers,
		now:         now,
	}
}

// RelaySignal forwards an Offer, Answer or IceCandidate from the sender to
// its room. The outgoing payload carries only the sender identity and the
// signal body; a target narrows delivery to a single peer, otherwise every
// other member receives it.
func (rt *Router) RelaySignal(s *Session, t messageType, p *signalPayload) {
	fwd := forwardedSignalPayload{From: s.PeerID()}
	switch t {
	case messageTypeIceCandidate:
		fwd.Candidate = p.Candidate
	default:
		fwd.SDP = p.SDP
	}
	msg := encodeServerMessage(t, fwd)

	if p.Target != nil {
		if err := rt.registry.Unicast(s.roomID, *p.Target, msg); err != nil {
			rt.metrics.Inc(metrics.EventPeerNotFound)
			s.TrySend(encodeError(errCodePeerNotFound, fmt.Sprintf("peer %q is not in the room", *p.Target)))
			return
		}
		rt.metrics.Inc(metrics.EventSignalRelayed)
		return
	}

	delivered := rt.registry.Broadcast(s.roomID, s.PeerID(), msg)
	rt.metrics.Add(metrics.EventSignalRelayed, uint64(delivered))
}

// TurnCredentials answers a TurnCredentialRequest with freshly minted
// time-limited credentials.
func (rt *Router) TurnCredentials(s *Session) {
	if rt.turn == nil {
		s.TrySend(encodeError(errCodeTurnUnavailable, "TURN is not configured"))
		return
	}
	creds, err := rt.turn.Generate()
	if err != nil {
		rt.log.Error("TURN credential generation failed", "err", err)
		s.TrySend(encodeError(errCodeTurnUnavailable, "TURN credential generation failed"))
		return
	}
	rt.metrics.Inc(metrics.EventTurnCredentialsIssued)
	s.TrySend(encodeServerMessage(messageTypeTurnCredentialResponse, turnCredentialResponsePayload{
		Username: creds.Username,
		Password: creds.Password,
		TTL:      creds.TTLSeconds,
	}))
}

// TurnConfig answers a RequestTurnConfig with a full ICE server list, or a
// success=false envelope when TURN is unconfigured.
func (rt *Router) TurnConfig(s *Session, roomID string) {
	if rt.turn == nil || rt.turnServers.Host == "" {
		s.TrySend(encodeServerMessage(messageTypeTurnConfig, turnConfigPayload{
			Success: false,
			Error:   "TURN server not configured",
		}))
		return
	}
	creds, err := rt.turn.Generate()
	if err != nil {
		rt.log.Error("TURN credential generation failed", "err", err)
		s.TrySend(encodeServerMessage(messageTypeTurnConfig, turnConfigPayload{
			Success: false,
			Error:   "TURN credential generation failed",
		}))
		return
	}
	rt.metrics.Inc(metrics.EventTurnCredentialsIssued)
	s.TrySend(encodeServerMessage(messageTypeTurnConfig, turnConfigPayload{
		Success: true,
		Data: &turnConfigData{
			ICEServers: turnrest.BuildICEServers(rt.turnServers, creds),
			TTL:        creds.TTLSeconds,
			Timestamp:  rt.now().Unix(),
			RoomID:     roomID,
		},
	}))
}
