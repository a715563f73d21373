package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/metrics"
	"github.com/wilsonzlin/lanrtc/internal/registry"
)

type RouterConfig struct {
	Registry *registry.Registry
	History  *history.Store
	// ServerIP is reported to clients in "registered" replies.
	ServerIP string
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Router decides where each inbound envelope goes. It is safe for concurrent
// use by every connection's read loop.
type Router struct {
	registry *registry.Registry
	history  *history.Store
	serverIP string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewRouter(cfg RouterConfig) *Router {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(registry.PolicyFanOut)
	}
	store := cfg.History
	if store == nil {
		store = history.NewStore(history.DefaultLimit)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{
		registry: reg,
		history:  store,
		serverIP: cfg.ServerIP,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Router) Registry() *registry.Registry { return r.registry }
func (r *Router) History() *history.Store      { return r.history }

// Route handles one inbound frame from conn. Malformed frames are logged and
// dropped; nothing is returned to the caller because no routing outcome
// should tear down the sender's connection.
func (r *Router) Route(conn registry.Conn, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.Inc(metrics.DropReasonMalformed)
			r.logger.Error("panic while routing signaling message", "panic", p)
		}
	}()

	env, err := ParseEnvelope(raw)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonMalformed)
		r.logger.Warn("dropping malformed signaling message", "err", err, "bytes", len(raw))
		return
	}

	switch env.Type {
	case MessageTypeRegister:
		r.handleRegister(conn, env)
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		r.handleSignal(conn, env)
	case MessageTypeChatMessage:
		r.handleChat(conn, env)
	case MessageTypeRequestChatHistory:
		r.handleHistoryRequest(conn, env)
	case MessageTypeDisconnect:
		r.handleDisconnect(conn)
	default:
		r.broadcast(conn, raw)
		r.metrics.Inc(metrics.Broadcast)
		r.logger.Debug("broadcast unrecognized message", "type", env.Type)
	}
}

// Closed forgets conn after its transport went away. No notice is sent to
// other peers.
func (r *Router) Closed(conn registry.Conn) {
	rec, _ := r.registry.Lookup(conn)
	if r.registry.Remove(conn) && rec.Registered {
		r.logger.Debug("connection removed", "session_id", rec.SessionID, "local_ip", rec.Address)
	}
}

func (r *Router) handleRegister(conn registry.Conn, env Envelope) {
	localIP, _ := env.String("localIP")
	id, _ := env.String("id")

	sessionID, err := r.registry.Register(conn, localIP, id)
	if err != nil {
		r.metrics.Inc(metrics.RegistrationRejected)
		r.logger.Info("registration rejected", "local_ip", localIP, "err", err)
		if errors.Is(err, registry.ErrAddressInUse) {
			r.reply(conn, errorMessage{
				Type:    MessageTypeError,
				Code:    ErrorCodeAddressInUse,
				Message: "address already registered by another connection",
			})
		}
		return
	}

	r.metrics.Inc(metrics.Registered)
	r.logger.Info("peer registered", "session_id", sessionID, "local_ip", strings.TrimSpace(localIP))
	r.reply(conn, registeredMessage{
		Type:     MessageTypeRegistered,
		ServerIP: r.serverIP,
		ID:       sessionID,
	})
}

func (r *Router) handleSignal(conn registry.Conn, env Envelope) {
	target, _ := env.String("targetIP")
	target = strings.TrimSpace(target)
	if target == "" {
		r.metrics.Inc(metrics.SignalDroppedMissingAddr)
		r.logger.Debug("dropping signal without targetIP", "type", env.Type)
		return
	}

	from := r.addressOf(conn)
	payload, err := env.WithFromIP(from)
	if err != nil {
		r.metrics.Inc(metrics.DropReasonMalformed)
		r.logger.Warn("failed to re-encode signal", "type", env.Type, "err", err)
		return
	}

	delivered := r.deliver(conn, target, payload)
	if delivered == 0 {
		r.metrics.Inc(metrics.SignalDroppedNoTarget)
		r.logger.Info("no connection for target", "type", env.Type, "from_ip", from, "target_ip", target)
		return
	}
	r.metrics.Add(metrics.SignalForwarded, uint64(delivered))
	r.logger.Debug("signal forwarded", "type", env.Type, "from_ip", from, "target_ip", target, "recipients", delivered)
}

func (r *Router) handleChat(conn registry.Conn, env Envelope) {
	target, _ := env.String("targetIP")
	target = strings.TrimSpace(target)
	text, _ := env.String("text")
	if target == "" || strings.TrimSpace(text) == "" {
		r.metrics.Inc(metrics.ChatDroppedInvalid)
		r.logger.Debug("dropping chat message without target or text")
		return
	}

	ts, ok := env.Int64("timestamp")
	if !ok || ts <= 0 {
		ts = r.now().UnixMilli()
	}

	msg := history.ChatMessage{
		FromIP:    r.addressOf(conn),
		TargetIP:  target,
		Text:      text,
		Timestamp: ts,
	}
	if msg.FromIP != "" {
		r.history.Append(msg.FromIP, target, msg)
		r.metrics.Inc(metrics.ChatStored)
	}

	payload, err := json.Marshal(chatForwardMessage{Type: MessageTypeChatMessage, ChatMessage: msg})
	if err != nil {
		r.logger.Error("failed to encode chat message", "err", err)
		return
	}
	delivered := r.deliver(conn, target, payload) > 0
	if delivered {
		r.metrics.Inc(metrics.ChatDelivered)
	} else {
		r.metrics.Inc(metrics.ChatUndelivered)
	}

	r.reply(conn, chatDeliveryMessage{
		Type:      MessageTypeChatDelivery,
		ToIP:      target,
		Delivered: delivered,
		Timestamp: ts,
	})
}

func (r *Router) handleHistoryRequest(conn registry.Conn, env Envelope) {
	peer, _ := env.String("peerIP")
	peer = strings.TrimSpace(peer)
	if peer == "" {
		r.metrics.Inc(metrics.HistoryDroppedInvalid)
		r.logger.Debug("dropping history request without peerIP")
		return
	}

	msgs := r.history.Get(r.addressOf(conn), peer)
	r.metrics.Inc(metrics.HistoryServed)
	r.reply(conn, chatHistoryMessage{
		Type:     MessageTypeChatHistory,
		PeerIP:   peer,
		Messages: msgs,
	})
}

func (r *Router) handleDisconnect(conn registry.Conn) {
	from := r.addressOf(conn)
	r.registry.Remove(conn)
	r.metrics.Inc(metrics.Disconnected)
	r.logger.Info("peer disconnected", "from_ip", from)

	payload, err := json.Marshal(peerDisconnectedMessage{
		Type:   MessageTypePeerDisconnected,
		FromIP: from,
	})
	if err != nil {
		r.logger.Error("failed to encode peer-disconnected", "err", err)
		return
	}
	r.broadcast(conn, payload)
}

func (r *Router) addressOf(conn registry.Conn) string {
	rec, ok := r.registry.Lookup(conn)
	if !ok || !rec.Registered {
		return ""
	}
	return rec.Address
}

// deliver sends payload to every connection registered under address other
// than sender and returns how many sends succeeded.
func (r *Router) deliver(sender registry.Conn, address string, payload []byte) int {
	delivered := 0
	for _, c := range r.registry.LookupByAddress(address) {
		if c == sender || !c.Open() {
			continue
		}
		if r.send(c, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Router) broadcast(sender registry.Conn, payload []byte) {
	r.registry.ForEachOpen(func(c registry.Conn, _ registry.Record) {
		if c == sender {
			return
		}
		r.send(c, payload)
	})
}

func (r *Router) reply(conn registry.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode reply", "err", err)
		return
	}
	r.send(conn, payload)
}

func (r *Router) send(c registry.Conn, payload []byte) bool {
	if err := c.Send(payload); err != nil {
		r.metrics.Inc(metrics.SendFailure)
		r.logger.Debug("send failed", "err", err)
		return false
	}
	return true
}
