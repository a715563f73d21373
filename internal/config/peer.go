package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRelayURL         = "ws://127.0.0.1:8080/ws"
	DefaultPeerDialTimeout  = 10 * time.Second
	DefaultPeerPingInterval = 20 * time.Second
	DefaultPeerLogLevel     = "info"
	DefaultPeerLogFormat    = string(LogFormatText)
	DefaultPeerUDPListenIP  = "0.0.0.0"
)

// PeerConfig configures the headless peer. Every field can come from the
// YAML profile and be overridden by command-line flags.
type PeerConfig struct {
	RelayURL string `yaml:"relay"`
	// Address is the LAN address this peer declares when registering. Empty
	// means detect.
	Address   string `yaml:"address"`
	SessionID string `yaml:"sessionId"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`

	LogFormat string `yaml:"logFormat"`
	LogLevel  string `yaml:"logLevel"`

	ICEServers []ICEServerConfig `yaml:"iceServers"`

	WebRTC PeerWebRTCConfig `yaml:"webrtc"`
}

type PeerWebRTCConfig struct {
	UDPPortMin uint16 `yaml:"udpPortMin"`
	UDPPortMax uint16 `yaml:"udpPortMax"`
	// UDPListenIP restricts the interface ICE binds to. 0.0.0.0 means all.
	UDPListenIP string `yaml:"udpListenIP"`
	// IncludeLoopbackCandidates lets two peers on one host reach each other.
	IncludeLoopbackCandidates bool `yaml:"includeLoopbackCandidates"`
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		RelayURL:     DefaultRelayURL,
		DialTimeout:  DefaultPeerDialTimeout,
		PingInterval: DefaultPeerPingInterval,
		LogFormat:    DefaultPeerLogFormat,
		LogLevel:     DefaultPeerLogLevel,
		WebRTC: PeerWebRTCConfig{
			UDPListenIP: DefaultPeerUDPListenIP,
		},
	}
}

// LoadPeerFile decodes a YAML profile on top of DefaultPeerConfig. Unknown
// keys are rejected.
func LoadPeerFile(path string) (PeerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("open peer config: %w", err)
	}
	defer f.Close()
	return decodePeerConfig(f)
}

func decodePeerConfig(r io.Reader) (PeerConfig, error) {
	cfg := DefaultPeerConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return PeerConfig{}, fmt.Errorf("decode peer config: %w", err)
	}
	return cfg, nil
}

func (c PeerConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.RelayURL))
	if err != nil {
		return fmt.Errorf("invalid relay url %q: %w", c.RelayURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid relay url %q (expected ws:// or wss://)", c.RelayURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid relay url %q (missing host)", c.RelayURL)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be > 0 (got %s)", c.DialTimeout)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be > 0 (got %s)", c.PingInterval)
	}
	if _, err := parseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.WebRTCICEServers(); err != nil {
		return err
	}
	if _, err := c.WebRTC.PortRange(); err != nil {
		return err
	}
	if _, err := c.WebRTC.ListenIP(); err != nil {
		return err
	}
	return nil
}

// WebRTCICEServers returns the configured servers, or DefaultICEServers when
// none are configured.
func (c PeerConfig) WebRTCICEServers() ([]webrtc.ICEServer, error) {
	if len(c.ICEServers) == 0 {
		return DefaultICEServers(), nil
	}
	servers, err := ToWebRTCICEServers(c.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("iceServers: %w", err)
	}
	return servers, nil
}

// NewLogger writes to w so command output on stdout stays clean.
func (c PeerConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	format, err := parseLogFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return newLogger(w, format, level)
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// PortRange returns nil when no range is configured.
func (c PeerWebRTCConfig) PortRange() (*UDPPortRange, error) {
	if c.UDPPortMin == 0 && c.UDPPortMax == 0 {
		return nil, nil
	}
	if c.UDPPortMin == 0 || c.UDPPortMax == 0 {
		return nil, fmt.Errorf("webrtc udpPortMin and udpPortMax must both be set (got %d-%d)", c.UDPPortMin, c.UDPPortMax)
	}
	if c.UDPPortMin > c.UDPPortMax {
		return nil, fmt.Errorf("webrtc udpPortMin must be <= udpPortMax (got %d-%d)", c.UDPPortMin, c.UDPPortMax)
	}
	return &UDPPortRange{Min: c.UDPPortMin, Max: c.UDPPortMax}, nil
}

// ListenIP returns nil for the unspecified address.
func (c PeerWebRTCConfig) ListenIP() (net.IP, error) {
	raw := strings.TrimSpace(c.UDPListenIP)
	if raw == "" {
		return nil, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid webrtc udpListenIP %q", c.UDPListenIP)
	}
	if IsUnspecifiedIP(ip) {
		return nil, nil
	}
	return ip, nil
}
