package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestClientMessage_ParseJoinRoom(t *testing.T) {
	raw := []byte(`{ "type":"join-room", "sessionId":"testsession12", "role":"sharer" }`)
	got, err := parseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != messageTypeJoinRoom || got.SessionID != "testsession12" || got.Role != "sharer" {
		t.Fatalf("unexpected decoded join: %#v", got)
	}
}

func TestClientMessage_ParseOffer(t *testing.T) {
	msg := clientMessage{
		Type: messageTypeOffer,
		To:   "abcd1234",
		SDP: &webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  "v=0",
		},
	}

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := parseClientMessage(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != messageTypeOffer || got.To != "abcd1234" || got.SDP == nil || got.SDP.SDP != "v=0" {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
	if got.SDP.Type != webrtc.SDPTypeOffer {
		t.Fatalf("sdp type=%v, want offer", got.SDP.Type)
	}
}

func TestClientMessage_ParseCandidate(t *testing.T) {
	raw := []byte(`{
		"type":"ice-candidate",
		"to":"abcd1234",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := parseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != messageTypeICECandidate || got.Candidate == nil || got.Candidate.Candidate == "" {
		t.Fatalf("unexpected decoded candidate: %#v", got)
	}
	if got.Candidate.SDPMid == nil || *got.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid lost in decode: %#v", got.Candidate)
	}
	if got.Candidate.SDPMLineIndex == nil || *got.Candidate.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex lost in decode: %#v", got.Candidate)
	}
}

func TestClientMessage_RejectsRelayWithoutTarget(t *testing.T) {
	raw := []byte(`{ "type":"offer", "sdp":{"type":"offer","sdp":"v=0"} }`)
	if _, err := parseClientMessage(raw); err == nil {
		t.Fatalf("expected error for offer without to")
	}
}

func TestClientMessage_RejectsSDPTypeMismatch(t *testing.T) {
	raw := []byte(`{ "type":"answer", "to":"x", "sdp":{"type":"offer","sdp":"v=0"} }`)
	if _, err := parseClientMessage(raw); err == nil {
		t.Fatalf("expected error for answer carrying an offer sdp")
	}
}

func TestClientMessage_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{ "type":"chat-message", "text":"hi", "unexpected":true }`)
	if _, err := parseClientMessage(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClientMessage_UnknownTypeIsSentinel(t *testing.T) {
	raw := []byte(`{ "type":"future-thing" }`)
	_, err := parseClientMessage(raw)
	if !errors.Is(err, errUnknownMessageType) {
		t.Fatalf("err=%v, want errUnknownMessageType", err)
	}
}

func TestClientMessage_SDPDecodesToPionType(t *testing.T) {
	raw := []byte(`{ "type":"answer", "to":"x", "sdp":{"type":"answer","sdp":"v=0"} }`)
	got, err := parseClientMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.SDP.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("type=%v, want answer", got.SDP.Type)
	}

	// Types outside the offer/answer handshake never pass validation.
	raw = []byte(`{ "type":"answer", "to":"x", "sdp":{"type":"rollback","sdp":"v=0"} }`)
	if _, err := parseClientMessage(raw); err == nil {
		t.Fatalf("expected error for rollback sdp")
	}
	raw = []byte(`{ "type":"offer", "to":"x", "sdp":{"type":"bogus","sdp":"v=0"} }`)
	if _, err := parseClientMessage(raw); err == nil {
		t.Fatalf("expected error for unrecognized sdp type")
	}
}

func TestServerMessage_ViewerCountZeroMarshals(t *testing.T) {
	b, err := encodeServerMessage(serverMessage{
		Type:        messageTypeJoinRoomOK,
		ViewerCount: intPtr(0),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	count, ok := decoded["viewerCount"]
	if !ok {
		t.Fatalf("viewerCount missing from %s", b)
	}
	if count != float64(0) {
		t.Fatalf("viewerCount=%v, want 0", count)
	}
}
