package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Every protocol message is one JSON object: {"type": ..., "payload": {...}}.
// Payload shape depends on the type and is validated strictly on decode;
// unknown fields, missing required fields and trailing data are all rejected.

type messageType string

// Client -> server.
const (
	messageTypeHeartbeat             messageType = "Heartbeat"
	messageTypeJoinRoom              messageType = "JoinRoom"
	messageTypeLeaveRoom             messageType = "LeaveRoom"
	messageTypeOffer                 messageType = "Offer"
	messageTypeAnswer                messageType = "Answer"
	messageTypeIceCandidate          messageType = "IceCandidate"
	messageTypeTurnCredentialRequest messageType = "TurnCredentialRequest"
	messageTypeRequestTurnConfig     messageType = "RequestTurnConfig"
)

// Server -> client.
const (
	messageTypeConnected              messageType = "Connected"
	messageTypeHeartbeatAck           messageType = "HeartbeatAck"
	messageTypeRoomJoined             messageType = "RoomJoined"
	messageTypeRoomUsers              messageType = "RoomUsers"
	messageTypeRoomFull               messageType = "RoomFull"
	messageTypePeerJoined             messageType = "PeerJoined"
	messageTypePeerLeft               messageType = "PeerLeft"
	messageTypeTurnCredentialResponse messageType = "TurnCredentialResponse"
	messageTypeTurnConfig             messageType = "TurnConfig"
	messageTypeError                  messageType = "Error"
)

// Error codes carried by Error messages.
const (
	errCodeInvalidPayload   = "invalid_payload"
	errCodeAlreadyJoined    = "already_joined"
	errCodeNotInRoom        = "not_in_room"
	errCodePeerNotFound     = "peer_not_found"
	errCodeRegistryInternal = "registry_internal"
	errCodeTurnUnavailable  = "turn_unavailable"
)

type joinRoomPayload struct {
	RoomID string `json:"room_id"`
}

// signalPayload is the shared shape of Offer/Answer/IceCandidate requests.
// Offer/Answer carry SDP; IceCandidate carries Candidate. Target selects a
// single recipient; null/absent means everyone else in the room.
type signalPayload struct {
	RoomID    string  `json:"room_id"`
	SDP       string  `json:"sdp,omitempty"`
	Candidate string  `json:"candidate,omitempty"`
	Target    *string `json:"target"`
}

type requestTurnConfigPayload struct {
	RoomID       string `json:"room_id"`
	ForceRefresh *bool  `json:"force_refresh,omitempty"`
}

// clientMessage is the decoded, validated form of an inbound message.
// Exactly one payload pointer is set, matching Type.
type clientMessage struct {
	Type messageType

	Join       *joinRoomPayload
	Signal     *signalPayload
	TurnConfig *requestTurnConfigPayload
}

type envelope struct {
	Type    messageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// parseClientMessage decodes and validates one inbound message. Any returned
// error maps to an invalid_payload protocol error.
func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}

	msg := clientMessage{Type: env.Type}
	switch env.Type {
	case messageTypeHeartbeat, messageTypeLeaveRoom, messageTypeTurnCredentialRequest:
		if err := requireEmptyPayload(env.Payload); err != nil {
			return clientMessage{}, err
		}

	case messageTypeJoinRoom:
		var p joinRoomPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return clientMessage{}, err
		}
		if p.RoomID == "" {
			return clientMessage{}, fmt.Errorf("%s: room_id is required", env.Type)
		}
		msg.Join = &p

	case messageTypeOffer, messageTypeAnswer, messageTypeIceCandidate:
		var p signalPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return clientMessage{}, err
		}
		if p.RoomID == "" {
			return clientMessage{}, fmt.Errorf("%s: room_id is required", env.Type)
		}
		switch env.Type {
		case messageTypeIceCandidate:
			if p.Candidate == "" {
				return clientMessage{}, fmt.Errorf("%s: candidate is required", env.Type)
			}
			if p.SDP != "" {
				return clientMessage{}, fmt.Errorf("%s: unexpected sdp field", env.Type)
			}
		default:
			if p.SDP == "" {
				return clientMessage{}, fmt.Errorf("%s: sdp is required", env.Type)
			}
			if p.Candidate != "" {
				return clientMessage{}, fmt.Errorf("%s: unexpected candidate field", env.Type)
			}
		}
		if p.Target != nil && *p.Target == "" {
			return clientMessage{}, fmt.Errorf("%s: target must be null or non-empty", env.Type)
		}
		msg.Signal = &p

	case messageTypeRequestTurnConfig:
		var p requestTurnConfigPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return clientMessage{}, err
		}
		if p.RoomID == "" {
			return clientMessage{}, fmt.Errorf("%s: room_id is required", env.Type)
		}
		msg.TurnConfig = &p

	default:
		return clientMessage{}, fmt.Errorf("unsupported message type %q", env.Type)
	}

	return msg, nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing payload data")
	}
	return nil
}

func requireEmptyPayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var p struct{}
	return decodePayload(raw, &p)
}

// Server message payloads.

type connectedPayload struct {
	PeerID string `json:"peer_id"`
}

type roomJoinedPayload struct {
	Members []string `json:"members"`
}

type roomUsersPayload struct {
	Users []string `json:"users"`
}

type roomFullPayload struct {
	RoomID string `json:"room_id"`
}

type peerEventPayload struct {
	PeerID string `json:"peer_id"`
	RoomID string `json:"room_id,omitempty"`
}

// forwardedSignalPayload is the relayed form of Offer/Answer/IceCandidate.
// From is stamped by the server; the client-supplied room/target fields are
// never forwarded.
type forwardedSignalPayload struct {
	From      string `json:"from"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type turnCredentialResponsePayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TTL      int64  `json:"ttl"`
}

type turnConfigPayload struct {
	Success bool            `json:"success"`
	Data    *turnConfigData `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type turnConfigData struct {
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
	TTL        int64              `json:"ttl"`
	Timestamp  int64              `json:"timestamp"`
	RoomID     string             `json:"room_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeServerMessage(t messageType, payload any) []byte {
	env := struct {
		Type    messageType `json:"type"`
		Payload any         `json:"payload,omitempty"`
	}{Type: t, Payload: payload}
	b, err := json.Marshal(env)
	if err != nil {
		// All payload types are plain structs; marshaling cannot fail at
		// runtime short of a programming error.
		panic(fmt.Sprintf("encode %s: %v", t, err))
	}
	return b
}

func encodeError(code, message string) []byte {
	return encodeServerMessage(messageTypeError, errorPayload{Code: code, Message: message})
}
