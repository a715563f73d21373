package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/lanrtc/internal/history"
)

type MessageType string

const (
	MessageTypeRegister           MessageType = "register"
	MessageTypeRegistered         MessageType = "registered"
	MessageTypeOffer              MessageType = "offer"
	MessageTypeAnswer             MessageType = "answer"
	MessageTypeICECandidate       MessageType = "ice-candidate"
	MessageTypeChatMessage        MessageType = "chat-message"
	MessageTypeChatDelivery       MessageType = "chat-delivery"
	MessageTypeRequestChatHistory MessageType = "request-chat-history"
	MessageTypeChatHistory        MessageType = "chat-history"
	MessageTypeDisconnect         MessageType = "disconnect"
	MessageTypePeerDisconnected   MessageType = "peer-disconnected"
	MessageTypeError              MessageType = "error"
)

// Error codes carried by relay-generated "error" messages.
const (
	ErrorCodeAddressInUse = "address_in_use"
)

var (
	ErrMalformed   = errors.New("signaling: malformed envelope")
	ErrMissingType = errors.New("signaling: envelope missing type")
)

// SDP is the browser RTCSessionDescriptionInit shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(s.Type)
	switch t {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if strings.TrimSpace(s.SDP) == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the typed view of every message the protocol defines. Clients
// encode their requests with it and decode relay traffic into it.
type Message struct {
	Type MessageType `json:"type"`

	// register / registered
	ID       string `json:"id,omitempty"`
	LocalIP  string `json:"localIP,omitempty"`
	ServerIP string `json:"serverIP,omitempty"`

	TargetIP string `json:"targetIP,omitempty"`
	FromIP   string `json:"fromIP,omitempty"`
	ToIP     string `json:"toIP,omitempty"`
	PeerIP   string `json:"peerIP,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Text      string                `json:"text,omitempty"`
	Timestamp int64                 `json:"timestamp,omitempty"`
	Delivered bool                  `json:"delivered,omitempty"`
	Messages  []history.ChatMessage `json:"messages,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Envelope is an inbound message kept as raw fields so it can be forwarded
// without losing anything the sender included.
type Envelope struct {
	Type   MessageType
	fields map[string]json.RawMessage
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	rawType, ok := fields["type"]
	if !ok {
		return Envelope{}, ErrMissingType
	}
	var t string
	if err := json.Unmarshal(rawType, &t); err != nil {
		return Envelope{}, fmt.Errorf("%w: type is not a string", ErrMalformed)
	}
	if t == "" {
		return Envelope{}, ErrMissingType
	}
	return Envelope{Type: MessageType(t), fields: fields}, nil
}

// String returns a string field. Missing fields, non-strings and null all
// report false.
func (e Envelope) String(key string) (string, bool) {
	raw, ok := e.fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Int64 returns a numeric field truncated to an integer.
func (e Envelope) Int64(key string) (int64, bool) {
	raw, ok := e.fields[key]
	if !ok {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	// Quoted numbers decode as strings and are rejected.
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// WithFromIP returns the encoded envelope with fromIP set to from, or with
// fromIP removed when from is empty. All other fields are preserved.
func (e Envelope) WithFromIP(from string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	delete(out, "fromIP")
	if from != "" {
		raw, err := json.Marshal(from)
		if err != nil {
			return nil, err
		}
		out["fromIP"] = raw
	}
	return json.Marshal(out)
}

type registeredMessage struct {
	Type     MessageType `json:"type"`
	ServerIP string      `json:"serverIP"`
	ID       string      `json:"id"`
}

type chatForwardMessage struct {
	Type MessageType `json:"type"`
	history.ChatMessage
}

type chatDeliveryMessage struct {
	Type      MessageType `json:"type"`
	ToIP      string      `json:"toIP"`
	Delivered bool        `json:"delivered"`
	Timestamp int64       `json:"timestamp"`
}

type chatHistoryMessage struct {
	Type     MessageType           `json:"type"`
	PeerIP   string                `json:"peerIP"`
	Messages []history.ChatMessage `json:"messages"`
}

type peerDisconnectedMessage struct {
	Type   MessageType `json:"type"`
	FromIP string      `json:"fromIP,omitempty"`
}

type errorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}
