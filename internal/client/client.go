// Package client connects a local endpoint to the relay. It registers the
// endpoint's LAN address, carries negotiation messages for a
// negotiation.Peer and exposes the chat operations.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/lanaddr"
	"github.com/wilsonzlin/lanrtc/internal/negotiation"
	"github.com/wilsonzlin/lanrtc/internal/signaling"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	writeWait           = time.Second
)

var (
	ErrClosed       = errors.New("client: connection closed")
	ErrAddressInUse = errors.New("client: address already registered")
	ErrEmptyText    = errors.New("client: chat text is empty")
)

// RelayError is an error message sent by the relay.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

func (e *RelayError) Is(target error) bool {
	return target == ErrAddressInUse && e.Code == signaling.ErrorCodeAddressInUse
}

// Delivery is the relay's acknowledgement of a sent chat message.
type Delivery struct {
	ToIP      string
	Delivered bool
	Timestamp int64
}

// Handlers receive relay traffic that is not negotiation. Handlers run on
// the read goroutine and should not block.
type Handlers struct {
	OnChat             func(history.ChatMessage)
	OnDelivery         func(Delivery)
	OnHistory          func(peer string, messages []history.ChatMessage)
	OnPeerDisconnected func(address string)
	OnRelayError       func(*RelayError)
	// OnOther receives message types the client does not handle itself,
	// including broadcasts from other peers.
	OnOther func(signaling.Message)
}

type Config struct {
	URL string
	// Address is the LAN address to register. Empty means detect.
	Address   string
	SessionID string

	DialTimeout  time.Duration
	PingInterval time.Duration

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Client is one registered relay connection. It implements
// negotiation.Signaler.
type Client struct {
	logger   *slog.Logger
	handlers Handlers
	address  string

	conn    *websocket.Conn
	writeMu sync.Mutex

	peerMu sync.RWMutex
	peer   *negotiation.Peer

	registered chan registration
	awaiting   atomic.Bool
	serverIP   atomic.Value // string
	sessionID  atomic.Value // string

	group    *errgroup.Group
	readDone chan struct{}
	closing  atomic.Bool
	once     sync.Once
}

type registration struct {
	serverIP  string
	sessionID string
	err       error
}

var _ negotiation.Signaler = (*Client)(nil)

// Dial connects to the relay and returns once the relay has acknowledged the
// registration.
func Dial(ctx context.Context, cfg Config, handlers Handlers) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		ip, fallback := lanaddr.Resolve(nil, nil)
		if fallback {
			logger.Warn("no LAN address detected, registering loopback", "address", ip.String())
		}
		address = ip.String()
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}

	c := &Client{
		logger:     logger.With("local_ip", address),
		handlers:   handlers,
		address:    address,
		conn:       conn,
		registered: make(chan registration, 1),
		readDone:   make(chan struct{}),
	}
	c.serverIP.Store("")
	c.sessionID.Store("")
	c.awaiting.Store(true)

	c.group = &errgroup.Group{}
	c.group.Go(c.readLoop)
	c.group.Go(func() error { return c.keepalive(pingInterval) })

	if err := c.write(signaling.Message{
		Type:    signaling.MessageTypeRegister,
		ID:      cfg.SessionID,
		LocalIP: address,
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send register: %w", err)
	}

	select {
	case reg := <-c.registered:
		if reg.err != nil {
			_ = c.Close()
			return nil, reg.err
		}
		c.serverIP.Store(reg.serverIP)
		c.sessionID.Store(reg.sessionID)
		c.logger.Info("registered", "server_ip", reg.serverIP, "session_id", reg.sessionID)
		return c, nil
	case <-c.readDone:
		err := c.Close()
		if err == nil {
			err = ErrClosed
		}
		return nil, fmt.Errorf("waiting for registration: %w", err)
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("waiting for registration: %w", ctx.Err())
	}
}

// Attach routes inbound negotiation messages to p.
func (c *Client) Attach(p *negotiation.Peer) {
	c.peerMu.Lock()
	c.peer = p
	c.peerMu.Unlock()
}

func (c *Client) Address() string   { return c.address }
func (c *Client) ServerIP() string  { return c.serverIP.Load().(string) }
func (c *Client) SessionID() string { return c.sessionID.Load().(string) }

// Done is closed when the relay connection is gone.
func (c *Client) Done() <-chan struct{} { return c.readDone }

func (c *Client) SendOffer(_ context.Context, target string, desc webrtc.SessionDescription) error {
	sdp := signaling.SDPFromPion(desc)
	return c.write(signaling.Message{Type: signaling.MessageTypeOffer, TargetIP: target, Offer: &sdp})
}

func (c *Client) SendAnswer(_ context.Context, target string, desc webrtc.SessionDescription) error {
	sdp := signaling.SDPFromPion(desc)
	return c.write(signaling.Message{Type: signaling.MessageTypeAnswer, TargetIP: target, Answer: &sdp})
}

func (c *Client) SendCandidate(_ context.Context, target string, candidate webrtc.ICECandidateInit) error {
	cand := signaling.CandidateFromPion(candidate)
	return c.write(signaling.Message{Type: signaling.MessageTypeICECandidate, TargetIP: target, Candidate: &cand})
}

// SendChat sends text to target. The relay answers with a chat-delivery
// message reported through Handlers.OnDelivery.
func (c *Client) SendChat(target, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if strings.TrimSpace(target) == "" {
		return negotiation.ErrNoTarget
	}
	return c.write(signaling.Message{Type: signaling.MessageTypeChatMessage, TargetIP: target, Text: text})
}

// RequestHistory asks for the stored conversation with peer. The reply is
// reported through Handlers.OnHistory.
func (c *Client) RequestHistory(peer string) error {
	if strings.TrimSpace(peer) == "" {
		return negotiation.ErrNoTarget
	}
	return c.write(signaling.Message{Type: signaling.MessageTypeRequestChatHistory, PeerIP: peer})
}

// Disconnect announces departure, hangs up any call and closes the relay
// connection. Local media of an attached Peer is kept.
func (c *Client) Disconnect() error {
	sendErr := c.write(signaling.Message{Type: signaling.MessageTypeDisconnect})

	c.peerMu.RLock()
	p := c.peer
	c.peerMu.RUnlock()
	var hangupErr error
	if p != nil {
		hangupErr = p.Hangup()
	}

	closeErr := c.Close()
	return errors.Join(sendErr, hangupErr, closeErr)
}

// Close closes the relay connection and waits for the client goroutines.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return c.group.Wait()
}

// Wait blocks until the relay connection ends.
func (c *Client) Wait() error {
	<-c.readDone
	return c.group.Wait()
}

func (c *Client) write(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) keepalive(interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.readDone:
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				if c.closing.Load() {
					return nil
				}
				return fmt.Errorf("ping relay: %w", err)
			}
		}
	}
}

func (c *Client) readLoop() error {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("relay connection closed", "err", err)
				return nil
			}
			return fmt.Errorf("read relay: %w", err)
		}

		msg, err := signaling.ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed relay message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	ctx := context.Background()

	switch msg.Type {
	case signaling.MessageTypeRegistered:
		c.notifyRegistered(registration{serverIP: msg.ServerIP, sessionID: msg.ID})

	case signaling.MessageTypeError:
		relayErr := &RelayError{Code: msg.Code, Message: msg.Reason}
		c.logger.Warn("relay error", "code", msg.Code, "message", msg.Reason)
		if !c.notifyRegistered(registration{err: relayErr}) && c.handlers.OnRelayError != nil {
			c.handlers.OnRelayError(relayErr)
		}

	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		c.dispatchNegotiation(ctx, msg)

	case signaling.MessageTypeChatMessage:
		if c.handlers.OnChat != nil {
			c.handlers.OnChat(history.ChatMessage{
				FromIP:    msg.FromIP,
				TargetIP:  msg.TargetIP,
				Text:      msg.Text,
				Timestamp: msg.Timestamp,
			})
		}

	case signaling.MessageTypeChatDelivery:
		if c.handlers.OnDelivery != nil {
			c.handlers.OnDelivery(Delivery{ToIP: msg.ToIP, Delivered: msg.Delivered, Timestamp: msg.Timestamp})
		}

	case signaling.MessageTypeChatHistory:
		if c.handlers.OnHistory != nil {
			messages := msg.Messages
			if messages == nil {
				messages = []history.ChatMessage{}
			}
			c.handlers.OnHistory(msg.PeerIP, messages)
		}

	case signaling.MessageTypePeerDisconnected:
		if p := c.attached(); p != nil && p.HandlePeerDisconnected(msg.FromIP) {
			c.logger.Info("peer left, call ended", "peer", msg.FromIP)
		}
		if c.handlers.OnPeerDisconnected != nil {
			c.handlers.OnPeerDisconnected(msg.FromIP)
		}

	default:
		if c.handlers.OnOther != nil {
			c.handlers.OnOther(msg)
		}
	}
}

func (c *Client) dispatchNegotiation(ctx context.Context, msg signaling.Message) {
	p := c.attached()
	if p == nil {
		c.logger.Debug("no peer attached, dropping negotiation message", "type", msg.Type, "from", msg.FromIP)
		return
	}

	var err error
	switch msg.Type {
	case signaling.MessageTypeOffer:
		if msg.Offer == nil {
			err = errors.New("offer missing description")
			break
		}
		var desc webrtc.SessionDescription
		if desc, err = msg.Offer.ToPion(); err == nil {
			err = p.HandleOffer(ctx, msg.FromIP, desc)
		}
	case signaling.MessageTypeAnswer:
		if msg.Answer == nil {
			err = errors.New("answer missing description")
			break
		}
		var desc webrtc.SessionDescription
		if desc, err = msg.Answer.ToPion(); err == nil {
			err = p.HandleAnswer(ctx, msg.FromIP, desc)
		}
	case signaling.MessageTypeICECandidate:
		if msg.Candidate == nil {
			err = errors.New("ice-candidate missing candidate")
			break
		}
		err = p.HandleCandidate(ctx, msg.FromIP, msg.Candidate.ToPion())
	}
	if err != nil {
		c.logger.Warn("negotiation message rejected", "type", msg.Type, "from", msg.FromIP, "err", err)
	}
}

func (c *Client) attached() *negotiation.Peer {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peer
}

// notifyRegistered reports whether Dial was waiting for the result.
func (c *Client) notifyRegistered(reg registration) bool {
	if !c.awaiting.CompareAndSwap(true, false) {
		return false
	}
	c.registered <- reg
	return true
}
