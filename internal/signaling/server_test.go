package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
	"github.com/DeclanJeon/ponswarp-signaling/internal/rooms"
	"github.com/DeclanJeon/ponswarp-signaling/internal/turnrest"
)

type testEnv struct {
	ts       *httptest.Server
	registry *rooms.Registry
	metrics  *metrics.Metrics
}

type testEnvOptions struct {
	cfg         Config
	maxRoomSize int
	turn        *turnrest.Generator
	turnServers turnrest.ServerSet
}

func newTestEnv(t *testing.T, opts testEnvOptions) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	registry := rooms.NewRegistry(opts.maxRoomSize, m, nil)
	router := NewRouter(logger, registry, m, opts.turn, opts.turnServers, nil)
	srv := NewServer(opts.cfg, registry, router, m, nil, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, registry: registry, metrics: m}
}

// dialPeer connects to /ws and consumes the Connected greeting, returning the
// connection and its server-assigned peer ID.
func dialPeer(t *testing.T, env *testEnv) (*websocket.Conn, string) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	payload := expectMessage(t, c, "Connected")
	var p connectedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal Connected: %v", err)
	}
	if p.PeerID == "" {
		t.Fatal("Connected carried an empty peer_id")
	}
	return c, p.PeerID
}

func readEnvelope(t *testing.T, c *websocket.Conn) (string, json.RawMessage) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return env.Type, env.Payload
}

func expectMessage(t *testing.T, c *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()

	gotType, payload := readEnvelope(t, c)
	if gotType != wantType {
		t.Fatalf("got message type %q, want %q", gotType, wantType)
	}
	return payload
}

func expectError(t *testing.T, c *websocket.Conn, wantCode string) {
	t.Helper()

	payload := expectMessage(t, c, "Error")
	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal Error: %v", err)
	}
	if p.Code != wantCode {
		t.Fatalf("error code = %q (%s), want %q", p.Code, p.Message, wantCode)
	}
}

func sendJSON(t *testing.T, c *websocket.Conn, raw string) {
	t.Helper()

	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func joinRoom(t *testing.T, c *websocket.Conn, roomID string) []string {
	t.Helper()

	sendJSON(t, c, `{"type":"JoinRoom","payload":{"room_id":"`+roomID+`"}}`)
	payload := expectMessage(t, c, "RoomJoined")
	var p roomJoinedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal RoomJoined: %v", err)
	}
	expectMessage(t, c, "RoomUsers")
	return p.Members
}

func TestConnect_AssignsDistinctPeerIDs(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	_, idA := dialPeer(t, env)
	_, idB := dialPeer(t, env)
	if idA == idB {
		t.Fatalf("both connections got peer ID %q", idA)
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"Heartbeat"}`)
	expectMessage(t, c, "HeartbeatAck")
}

func TestJoin_NotifiesExistingMembers(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	a, idA := dialPeer(t, env)
	if members := joinRoom(t, a, "lobby"); len(members) != 0 {
		t.Fatalf("first joiner saw members %v", members)
	}

	b, idB := dialPeer(t, env)
	members := joinRoom(t, b, "lobby")
	if len(members) != 1 || members[0] != idA {
		t.Fatalf("second joiner saw members %v, want [%s]", members, idA)
	}

	payload := expectMessage(t, a, "PeerJoined")
	var p peerEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal PeerJoined: %v", err)
	}
	if p.PeerID != idB || p.RoomID != "lobby" {
		t.Fatalf("PeerJoined = %+v", p)
	}

	usersPayload := expectMessage(t, a, "RoomUsers")
	var users roomUsersPayload
	if err := json.Unmarshal(usersPayload, &users); err != nil {
		t.Fatalf("unmarshal RoomUsers: %v", err)
	}
	if len(users.Users) != 2 {
		t.Fatalf("RoomUsers = %v", users.Users)
	}
}

func TestJoin_SameRoomTwiceRejected(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)
	joinRoom(t, c, "lobby")

	sendJSON(t, c, `{"type":"JoinRoom","payload":{"room_id":"lobby"}}`)
	expectError(t, c, "already_joined")
}

func TestJoin_DifferentRoomMovesThePeer(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	a, idA := dialPeer(t, env)
	joinRoom(t, a, "first")

	watcher, _ := dialPeer(t, env)
	joinRoom(t, watcher, "first")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")

	// Joining a second room implicitly leaves the first.
	joinRoom(t, a, "second")

	payload := expectMessage(t, watcher, "PeerLeft")
	var p peerEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal PeerLeft: %v", err)
	}
	if p.PeerID != idA {
		t.Fatalf("PeerLeft.peer_id = %q, want %q", p.PeerID, idA)
	}
	expectMessage(t, watcher, "RoomUsers")
}

func TestJoin_RoomFull(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{maxRoomSize: 1})

	a, _ := dialPeer(t, env)
	joinRoom(t, a, "tiny")

	b, _ := dialPeer(t, env)
	sendJSON(t, b, `{"type":"JoinRoom","payload":{"room_id":"tiny"}}`)
	payload := expectMessage(t, b, "RoomFull")
	var p roomFullPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal RoomFull: %v", err)
	}
	if p.RoomID != "tiny" {
		t.Fatalf("RoomFull.room_id = %q", p.RoomID)
	}
}

func TestJoin_FullRoomKeepsCurrentMembership(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{maxRoomSize: 2})

	a, idA := dialPeer(t, env)
	joinRoom(t, a, "alpha")
	b, _ := dialPeer(t, env)
	joinRoom(t, b, "alpha")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")

	c, _ := dialPeer(t, env)
	joinRoom(t, c, "beta")
	d, _ := dialPeer(t, env)
	joinRoom(t, d, "beta")
	expectMessage(t, c, "PeerJoined")
	expectMessage(t, c, "RoomUsers")

	// A tries to move into the full room and must stay a member of alpha.
	sendJSON(t, a, `{"type":"JoinRoom","payload":{"room_id":"beta"}}`)
	expectMessage(t, a, "RoomFull")

	sendJSON(t, a, `{"type":"Offer","payload":{"room_id":"alpha","sdp":"v=0","target":null}}`)
	payload := expectMessage(t, b, "Offer")
	var offer struct {
		From string `json:"from"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(payload, &offer); err != nil {
		t.Fatalf("unmarshal Offer: %v", err)
	}
	if offer.From != idA {
		t.Fatalf("Offer.from = %q, want %q", offer.From, idA)
	}
}

func TestSignal_BeforeJoinRejected(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"Offer","payload":{"room_id":"lobby","sdp":"v=0","target":null}}`)
	expectError(t, c, "not_in_room")
}

func TestSignal_TargetedOfferReachesOnlyTarget(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	a, idA := dialPeer(t, env)
	joinRoom(t, a, "lobby")

	b, idB := dialPeer(t, env)
	joinRoom(t, b, "lobby")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")

	c, _ := dialPeer(t, env)
	joinRoom(t, c, "lobby")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")
	expectMessage(t, b, "PeerJoined")
	expectMessage(t, b, "RoomUsers")

	sendJSON(t, a, `{"type":"Offer","payload":{"room_id":"lobby","sdp":"v=0 offer","target":"`+idB+`"}}`)

	payload := expectMessage(t, b, "Offer")
	var fwd forwardedSignalPayload
	if err := json.Unmarshal(payload, &fwd); err != nil {
		t.Fatalf("unmarshal Offer: %v", err)
	}
	if fwd.From != idA || fwd.SDP != "v=0 offer" {
		t.Fatalf("forwarded offer = %+v", fwd)
	}

	// A broadcast candidate arriving as C's first message proves the targeted
	// offer was never delivered to C.
	sendJSON(t, a, `{"type":"IceCandidate","payload":{"room_id":"lobby","candidate":"candidate:1","target":null}}`)
	expectMessage(t, c, "IceCandidate")
	expectMessage(t, b, "IceCandidate")
}

func TestSignal_BroadcastExcludesSender(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	a, idA := dialPeer(t, env)
	joinRoom(t, a, "lobby")

	b, _ := dialPeer(t, env)
	joinRoom(t, b, "lobby")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")

	sendJSON(t, a, `{"type":"IceCandidate","payload":{"room_id":"lobby","candidate":"candidate:9"}}`)

	payload := expectMessage(t, b, "IceCandidate")
	var fwd forwardedSignalPayload
	if err := json.Unmarshal(payload, &fwd); err != nil {
		t.Fatalf("unmarshal IceCandidate: %v", err)
	}
	if fwd.From != idA || fwd.Candidate != "candidate:9" {
		t.Fatalf("forwarded candidate = %+v", fwd)
	}

	// The sender must not receive its own broadcast: a heartbeat ack must be
	// A's next message.
	sendJSON(t, a, `{"type":"Heartbeat"}`)
	expectMessage(t, a, "HeartbeatAck")
}

func TestSignal_UnknownTargetReturnsError(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)
	joinRoom(t, c, "lobby")

	sendJSON(t, c, `{"type":"Answer","payload":{"room_id":"lobby","sdp":"v=0","target":"nobody"}}`)
	expectError(t, c, "peer_not_found")
}

func TestDisconnect_BroadcastsPeerLeft(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})

	a, _ := dialPeer(t, env)
	joinRoom(t, a, "lobby")

	b, idB := dialPeer(t, env)
	joinRoom(t, b, "lobby")
	expectMessage(t, a, "PeerJoined")
	expectMessage(t, a, "RoomUsers")

	_ = b.Close()

	payload := expectMessage(t, a, "PeerLeft")
	var p peerEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal PeerLeft: %v", err)
	}
	if p.PeerID != idB {
		t.Fatalf("PeerLeft.peer_id = %q, want %q", p.PeerID, idB)
	}

	usersPayload := expectMessage(t, a, "RoomUsers")
	var users roomUsersPayload
	if err := json.Unmarshal(usersPayload, &users); err != nil {
		t.Fatalf("unmarshal RoomUsers: %v", err)
	}
	if len(users.Users) != 1 {
		t.Fatalf("RoomUsers after leave = %v", users.Users)
	}
}

func TestLeaveRoom_WhileUnjoinedIsIgnored(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"LeaveRoom"}`)
	sendJSON(t, c, `{"type":"Heartbeat"}`)
	expectMessage(t, c, "HeartbeatAck")
}

func TestInvalidMessage_ReturnsError(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `not even json`)
	expectError(t, c, "invalid_payload")

	// The connection stays usable after a protocol error.
	sendJSON(t, c, `{"type":"Heartbeat"}`)
	expectMessage(t, c, "HeartbeatAck")
}

func TestTurnCredentials_VerifiableHMAC(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret: "test-secret",
		TTLSeconds:   600,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	env := newTestEnv(t, testEnvOptions{turn: gen})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"TurnCredentialRequest"}`)
	payload := expectMessage(t, c, "TurnCredentialResponse")

	var p turnCredentialResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.TTL != 600 {
		t.Fatalf("ttl = %d", p.TTL)
	}

	mac := hmac.New(sha1.New, []byte("test-secret"))
	mac.Write([]byte(p.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if p.Password != want {
		t.Fatalf("password %q does not verify against username %q", p.Password, p.Username)
	}
}

func TestTurnCredentials_Unconfigured(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"TurnCredentialRequest"}`)
	expectError(t, c, "turn_unavailable")
}

func TestRequestTurnConfig(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret: "test-secret",
		TTLSeconds:   3600,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	env := newTestEnv(t, testEnvOptions{
		turn: gen,
		turnServers: turnrest.ServerSet{
			Host:      "turn.example.com",
			EnableUDP: true,
			UDPPort:   3478,
		},
	})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"RequestTurnConfig","payload":{"room_id":"lobby"}}`)
	payload := expectMessage(t, c, "TurnConfig")

	var p turnConfigPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Success || p.Data == nil {
		t.Fatalf("TurnConfig = %+v", p)
	}
	if p.Data.RoomID != "lobby" || p.Data.TTL != 3600 {
		t.Fatalf("data = %+v", p.Data)
	}
	if len(p.Data.ICEServers) == 0 {
		t.Fatal("no ICE servers in TurnConfig")
	}
}

func TestRequestTurnConfig_Unconfigured(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	sendJSON(t, c, `{"type":"RequestTurnConfig","payload":{"room_id":"lobby"}}`)
	payload := expectMessage(t, c, "TurnConfig")

	var p turnConfigPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Success || p.Error == "" {
		t.Fatalf("TurnConfig = %+v", p)
	}
}

func TestRateLimit_ClosesFloodingConnection(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{cfg: Config{MessagesPerSecond: 2}})
	c, _ := dialPeer(t, env)

	for i := 0; i < 10; i++ {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Heartbeat"}`)); err != nil {
			break
		}
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return
			}
			t.Fatalf("connection ended without a policy violation close: %v", err)
		}
	}
}

func TestBinaryMessage_Closes(t *testing.T) {
	env := newTestEnv(t, testEnvOptions{})
	c, _ := dialPeer(t, env)

	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
				return
			}
			t.Fatalf("connection ended without an unsupported data close: %v", err)
		}
	}
}
