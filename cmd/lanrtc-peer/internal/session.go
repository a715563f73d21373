package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/lanrtc/internal/client"
	"github.com/wilsonzlin/lanrtc/internal/config"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/negotiation"
	"github.com/wilsonzlin/lanrtc/internal/webrtcpeer"
)

// Session is a registered relay connection with a negotiation peer attached.
type Session struct {
	Client *client.Client
	Peer   *negotiation.Peer
	Logger *slog.Logger
}

// Connect dials the relay and attaches a peer that answers incoming calls
// with a silent audio track.
func Connect(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger, handlers client.Handlers, onStatus func(negotiation.Status)) (*Session, error) {
	opts, err := webrtcpeer.OptionsFromPeerConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	api, err := webrtcpeer.NewAPI(opts)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	iceServers, err := cfg.WebRTCICEServers()
	if err != nil {
		return nil, err
	}

	c, err := client.Dial(ctx, client.Config{
		URL:          cfg.RelayURL,
		Address:      cfg.Address,
		SessionID:    cfg.SessionID,
		DialTimeout:  cfg.DialTimeout,
		PingInterval: cfg.PingInterval,
		Logger:       logger,
	}, handlers)
	if err != nil {
		return nil, err
	}

	p, err := negotiation.New(negotiation.Config{
		API:          api,
		ICEServers:   iceServers,
		Signaler:     c,
		Media:        negotiation.NewSilenceSource("lanrtc-" + c.Address()),
		LocalAddress: c.Address(),
		Logger:       logger,
		OnStatus:     onStatus,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Attach(p)

	return &Session{Client: c, Peer: p, Logger: logger}, nil
}

// Close announces departure to the relay and releases local media.
func (s *Session) Close() error {
	err := s.Client.Disconnect()
	if errors.Is(err, client.ErrClosed) {
		err = nil
	}
	return errors.Join(err, s.Peer.Close())
}

// Setup resolves the peer configuration from the command's flags and builds
// the logger, which writes to the command's stderr.
func Setup(cmd *cobra.Command, opts *Options) (config.PeerConfig, *slog.Logger, error) {
	cfg, err := opts.PeerConfig(cmd.Flags())
	if err != nil {
		return config.PeerConfig{}, nil, err
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return config.PeerConfig{}, nil, err
	}
	return cfg, logger, nil
}

func PrintChat(w io.Writer, m history.ChatMessage) {
	fmt.Fprintf(w, "[%s] %s -> %s: %s\n", FormatTimestamp(m.Timestamp), m.FromIP, m.TargetIP, m.Text)
}

func PrintStatus(w io.Writer, st negotiation.Status) {
	switch {
	case st.Err != nil:
		fmt.Fprintf(w, "call %s: %s (%v)\n", st.PeerAddress, st.State, st.Err)
	case st.PeerAddress != "":
		fmt.Fprintf(w, "call %s: %s\n", st.PeerAddress, st.State)
	default:
		fmt.Fprintf(w, "call: %s\n", st.State)
	}
}

// FormatTimestamp renders a millisecond Unix timestamp in local time.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// ErrRelayClosed is returned when the relay connection ends while a command
// is still waiting on it.
var ErrRelayClosed = errors.New("relay connection closed")

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// SyncWriter serializes writes from client and negotiation callbacks.
func SyncWriter(w io.Writer) io.Writer {
	return &syncWriter{w: w}
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
