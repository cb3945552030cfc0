package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type messageType string

// Client-to-server message types.
const (
	messageTypeJoinRoom        messageType = "join-room"
	messageTypeOffer           messageType = "offer"
	messageTypeAnswer          messageType = "answer"
	messageTypeICECandidate    messageType = "ice-candidate"
	messageTypeChatMessage     messageType = "chat-message"
	messageTypeViewerMicOffer  messageType = "viewer-mic-offer"
	messageTypeViewerMicAnswer messageType = "viewer-mic-answer"
	messageTypeViewerMicICE    messageType = "viewer-mic-ice"
)

// Server-to-client message types.
const (
	messageTypeWelcome       messageType = "welcome"
	messageTypeJoinRoomOK    messageType = "join-room-ok"
	messageTypeJoinRoomError messageType = "join-room-error"
	messageTypeViewerJoined  messageType = "viewer-joined"
	messageTypeViewerLeft    messageType = "viewer-left"
	messageTypeSharerLeft    messageType = "sharer-left"
)

// errUnknownMessageType marks a structurally valid message whose type the
// server does not recognize. Callers ignore these instead of closing the
// connection, so clients can ship new message types ahead of the server.
var errUnknownMessageType = errors.New("unknown message type")

// clientMessage is the envelope for everything a client sends over the
// signaling socket.
type clientMessage struct {
	Type messageType `json:"type"`

	// join-room fields.
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty"`

	// Relay fields. SDP and Candidate are the standard WebRTC wire shapes;
	// unmarshalling straight into the pion types keeps the JSON contract in
	// lockstep with what its PeerConnection API emits and accepts.
	To        string                     `json:"to,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// chat-message payload.
	Text string `json:"text,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoinRoom:
		// sessionId and role are checked in the join handler so the client
		// gets a join-room-error reply rather than a dropped message.
		if m.To != "" || m.SDP != nil || m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case messageTypeOffer, messageTypeViewerMicOffer:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.SessionID != "" || m.Role != "" || m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeAnswer, messageTypeViewerMicAnswer:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.SessionID != "" || m.Role != "" || m.Candidate != nil || m.Text != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeICECandidate, messageTypeViewerMicICE:
		if m.To == "" {
			return fmt.Errorf("%s message missing to", m.Type)
		}
		if m.Candidate == nil {
			return fmt.Errorf("%s message missing candidate", m.Type)
		}
		if m.SessionID != "" || m.Role != "" || m.SDP != nil || m.Text != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeChatMessage:
		// Empty text is dropped by the handler, not rejected here.
		if m.SessionID != "" || m.Role != "" || m.To != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("chat-message has unexpected fields")
		}
	default:
		return fmt.Errorf("%w %q", errUnknownMessageType, m.Type)
	}
	return nil
}

// serverMessage is the envelope for everything the server sends to a client.
// Fields are pointers or omitempty so each message type serializes only its
// own payload.
type serverMessage struct {
	Type messageType `json:"type"`

	// welcome payload.
	ConnID string `json:"connId,omitempty"`

	// Relayed payloads. From is the server-stamped sender id.
	From      string                     `json:"from,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// chat-message payload. Role is the sender's room role and Ts is unix
	// milliseconds.
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`
	Ts   int64  `json:"ts,omitempty"`

	// Membership events. ViewerCount is a pointer so zero still marshals.
	ViewerID    string `json:"viewerId,omitempty"`
	ViewerCount *int   `json:"viewerCount,omitempty"`

	// join-room-error payload.
	Message string `json:"message,omitempty"`
}

func encodeServerMessage(msg serverMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func intPtr(n int) *int { return &n }
