package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"offer","targetIP":"10.0.0.3","offer":{"type":"offer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != MessageTypeOffer {
		t.Fatalf("type=%q, want offer", env.Type)
	}
	if target, ok := env.String("targetIP"); !ok || target != "10.0.0.3" {
		t.Fatalf("targetIP=%q ok=%v", target, ok)
	}
	if _, ok := env.String("offer"); ok {
		t.Fatalf("object field reported as string")
	}
	if _, ok := env.String("missing"); ok {
		t.Fatalf("missing field reported present")
	}
}

func TestParseEnvelope_Errors(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{raw: `not json`, want: ErrMalformed},
		{raw: `[1,2]`, want: ErrMalformed},
		{raw: `null`, want: ErrMalformed},
		{raw: `{"type":7}`, want: ErrMalformed},
		{raw: `{"targetIP":"10.0.0.3"}`, want: ErrMissingType},
		{raw: `{"type":""}`, want: ErrMissingType},
	}
	for _, tc := range cases {
		if _, err := ParseEnvelope([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("ParseEnvelope(%s) err=%v, want %v", tc.raw, err, tc.want)
		}
	}
}

func TestEnvelopeInt64(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"chat-message","a":1700000000123,"b":1700000000123.9,"c":"12","d":1e300}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if n, ok := env.Int64("a"); !ok || n != 1700000000123 {
		t.Fatalf("a=%d ok=%v", n, ok)
	}
	if n, ok := env.Int64("b"); !ok || n != 1700000000123 {
		t.Fatalf("b=%d ok=%v", n, ok)
	}
	if _, ok := env.Int64("c"); ok {
		t.Fatalf("string field parsed as number")
	}
	if _, ok := env.Int64("d"); ok {
		t.Fatalf("out of range number accepted")
	}
}

func TestEnvelopeWithFromIP_PreservesFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"ice-candidate","targetIP":"10.0.0.3","fromIP":"spoofed","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host","sdpMid":"0"},"extra":[1,2]}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}

	out, err := env.WithFromIP("10.0.0.2")
	if err != nil {
		t.Fatalf("WithFromIP: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["fromIP"] != "10.0.0.2" {
		t.Fatalf("fromIP=%v, want 10.0.0.2", got["fromIP"])
	}
	if got["targetIP"] != "10.0.0.3" || got["extra"] == nil || got["candidate"] == nil {
		t.Fatalf("fields lost: %v", got)
	}

	out, err = env.WithFromIP("")
	if err != nil {
		t.Fatalf("WithFromIP: %v", err)
	}
	got = nil
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["fromIP"]; ok {
		t.Fatalf("client-supplied fromIP survived for unregistered sender: %v", got)
	}
}

func TestSDPToPion(t *testing.T) {
	desc, err := SDP{Type: "answer", SDP: "v=0"}.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("type=%v, want answer", desc.Type)
	}
	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for pranswer")
	}
	if _, err := (SDP{Type: "offer"}).ToPion(); err == nil {
		t.Fatalf("expected error for empty sdp")
	}

	round := SDPFromPion(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	if round.Type != "offer" {
		t.Fatalf("type=%q, want offer", round.Type)
	}
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"chat-delivery","toIP":"10.0.0.3","delivered":true,"timestamp":5}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if msg.Type != MessageTypeChatDelivery || msg.ToIP != "10.0.0.3" || !msg.Delivered || msg.Timestamp != 5 {
		t.Fatalf("msg=%+v", msg)
	}
	if _, err := ParseMessage([]byte(`{}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("err=%v, want ErrMissingType", err)
	}
}
