package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/lanrtc/internal/metrics"
	"github.com/wilsonzlin/lanrtc/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = int64(64 * 1024)
)

var errConnClosed = errors.New("signaling: connection closed")

type WebSocketConfig struct {
	Router  *Router
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond <= 0 disables rate limiting.
	MaxMessagesPerSecond int

	// Clock drives the per-connection rate limiter. Nil means wall time.
	Clock ratelimit.Clock
}

// WebSocketServer accepts signaling connections on GET /ws and feeds every
// text frame into the Router.
type WebSocketServer struct {
	router  *Router
	metrics *metrics.Metrics
	logger  *slog.Logger
	clock   ratelimit.Clock

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
	closing  atomic.Bool
}

func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	router := cfg.Router
	if router == nil {
		router = NewRouter(RouterConfig{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if ping >= idle {
		ping = idle / 3
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	rate := cfg.MaxMessagesPerSecond

	return &WebSocketServer{
		router:               router,
		metrics:              cfg.Metrics,
		logger:               logger,
		clock:                clock,
		idleTimeout:          idle,
		pingInterval:         ping,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: rate,
		upgrader: websocket.Upgrader{
			// Any LAN page may connect; there is no authentication to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeHTTP)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	var limiter *ratelimit.TokenBucket
	if s.maxMessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(s.clock, s.maxMessagesPerSecond, s.maxMessagesPerSecond)
	}

	wc := &wsConn{
		conn:       conn,
		remoteAddr: r.RemoteAddr,
	}
	s.run(wc, limiter)
}

// Close sends a going-away close frame to every tracked connection and
// refuses new upgrades.
func (s *WebSocketServer) Close() {
	s.closing.Store(true)
	for _, c := range s.router.Registry().Conns() {
		if wc, ok := c.(*wsConn); ok {
			wc.closeWith(websocket.CloseGoingAway, "server shutting down")
			wc.Close()
		}
	}
}

func (s *WebSocketServer) run(wc *wsConn, limiter *ratelimit.TokenBucket) {
	logger := s.logger.With("remote_addr", wc.remoteAddr)

	reg := s.router.Registry()
	reg.Add(wc)
	s.metrics.Inc(metrics.ConnectionOpened)
	logger.Debug("signaling connection opened")

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.router.Closed(wc)
		wc.Close()
		s.metrics.Inc(metrics.ConnectionClosed)
		logger.Debug("signaling connection closed")
	}()

	wc.conn.SetReadLimit(s.maxMessageBytes)
	_ = wc.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	go s.keepalive(wc, stop)

	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009.
				s.metrics.Inc(metrics.DropReasonTooLarge)
				logger.Info("closing connection: message too large", "limit", s.maxMessageBytes)
			case isTimeout(err):
				wc.closeWith(websocket.CloseNormalClosure, "idle timeout")
				logger.Debug("closing idle connection")
			}
			return
		}
		_ = wc.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		// Rate limit after reading so unread bytes don't turn the close into
		// a TCP reset.
		if !limiter.Allow() {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			logger.Info("closing connection: rate limit exceeded")
			wc.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonMalformed)
			logger.Debug("dropping non-text frame", "frame_type", msgType)
			continue
		}

		s.router.Route(wc, data)
	}
}

func (s *WebSocketServer) keepalive(wc *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

// wsConn adapts a gorilla connection to registry.Conn.
type wsConn struct {
	conn       *websocket.Conn
	remoteAddr string

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) Open() bool { return !c.closed.Load() }

func (c *wsConn) ping() error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
