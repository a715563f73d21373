// Package webrtcpeer builds the pion API used by local call endpoints.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/lanrtc/internal/config"
)

// Options controls ICE gathering and socket binding for a peer's API.
type Options struct {
	PortRange                 *config.UDPPortRange
	ListenIP                  net.IP
	IncludeLoopbackCandidates bool

	// Net replaces the host network stack; tests pass a vnet.Net.
	Net transport.Net

	// ICETimeouts overrides pion's connectivity timeouts when set.
	ICETimeouts *ICETimeouts

	// Logger receives pion's internal logging. Nil silences it.
	Logger *slog.Logger
}

type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

// OptionsFromPeerConfig converts the peer profile's WebRTC section.
func OptionsFromPeerConfig(cfg config.PeerConfig, logger *slog.Logger) (Options, error) {
	portRange, err := cfg.WebRTC.PortRange()
	if err != nil {
		return Options{}, err
	}
	listenIP, err := cfg.WebRTC.ListenIP()
	if err != nil {
		return Options{}, err
	}
	return Options{
		PortRange:                 portRange,
		ListenIP:                  listenIP,
		IncludeLoopbackCandidates: cfg.WebRTC.IncludeLoopbackCandidates,
		Logger:                    logger,
	}, nil
}

// NewAPI returns an API with the default codecs and interceptors registered.
func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewLoggerFactory(opts.Logger)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.PortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.PortRange.Min, opts.PortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	se.SetIncludeLoopbackCandidate(opts.IncludeLoopbackCandidates)

	if t := opts.ICETimeouts; t != nil {
		if t.Disconnected <= 0 || t.Failed <= 0 || t.Keepalive <= 0 {
			return fmt.Errorf("ice timeouts must be > 0 (got %s/%s/%s)", t.Disconnected, t.Failed, t.Keepalive)
		}
		se.SetICETimeouts(t.Disconnected, t.Failed, t.Keepalive)
	}

	// SettingEngine doesn't expose a bind address; restrict gathering with
	// IPFilter instead.
	if !config.IsUnspecifiedIP(opts.ListenIP) {
		listenIP := opts.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
