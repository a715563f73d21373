package internal

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/lanrtc/internal/config"
)

// Options holds the persistent flags shared by every peer subcommand.
type Options struct {
	ConfigPath   string
	RelayURL     string
	Address      string
	SessionID    string
	DialTimeout  time.Duration
	PingInterval time.Duration
	LogFormat    string
	LogLevel     string

	UDPPortMin                uint16
	UDPPortMax                uint16
	UDPListenIP               string
	IncludeLoopbackCandidates bool
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	def := config.DefaultPeerConfig()

	fs.StringVarP(&o.ConfigPath, "config", "c", "", "YAML peer profile; flags override its values")
	fs.StringVar(&o.RelayURL, "relay", def.RelayURL, "relay signaling URL (ws:// or wss://)")
	fs.StringVar(&o.Address, "address", "", "LAN address to register (default: detect)")
	fs.StringVar(&o.SessionID, "session-id", "", "session id to register with (default: assigned by relay)")
	fs.DurationVar(&o.DialTimeout, "dial-timeout", def.DialTimeout, "relay dial and registration timeout")
	fs.DurationVar(&o.PingInterval, "ping-interval", def.PingInterval, "relay keepalive ping interval")
	fs.StringVar(&o.LogFormat, "log-format", def.LogFormat, "log format: text|json")
	fs.StringVar(&o.LogLevel, "log-level", def.LogLevel, "log level: debug|info|warn|error")
	fs.Uint16Var(&o.UDPPortMin, "webrtc-udp-port-min", 0, "lowest UDP port for ICE (0 = ephemeral)")
	fs.Uint16Var(&o.UDPPortMax, "webrtc-udp-port-max", 0, "highest UDP port for ICE (0 = ephemeral)")
	fs.StringVar(&o.UDPListenIP, "webrtc-udp-listen-ip", def.WebRTC.UDPListenIP, "interface address ICE binds to")
	fs.BoolVar(&o.IncludeLoopbackCandidates, "webrtc-loopback-candidates", false, "gather loopback candidates (two peers on one host)")
}

// PeerConfig loads the profile named by --config, if any, then applies the
// flags that were set explicitly.
func (o *Options) PeerConfig(fs *pflag.FlagSet) (config.PeerConfig, error) {
	cfg := config.DefaultPeerConfig()
	if o.ConfigPath != "" {
		loaded, err := config.LoadPeerFile(o.ConfigPath)
		if err != nil {
			return config.PeerConfig{}, err
		}
		cfg = loaded
	}

	if fs.Changed("relay") {
		cfg.RelayURL = o.RelayURL
	}
	if fs.Changed("address") {
		cfg.Address = o.Address
	}
	if fs.Changed("session-id") {
		cfg.SessionID = o.SessionID
	}
	if fs.Changed("dial-timeout") {
		cfg.DialTimeout = o.DialTimeout
	}
	if fs.Changed("ping-interval") {
		cfg.PingInterval = o.PingInterval
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if fs.Changed("webrtc-udp-port-min") {
		cfg.WebRTC.UDPPortMin = o.UDPPortMin
	}
	if fs.Changed("webrtc-udp-port-max") {
		cfg.WebRTC.UDPPortMax = o.UDPPortMax
	}
	if fs.Changed("webrtc-udp-listen-ip") {
		cfg.WebRTC.UDPListenIP = o.UDPListenIP
	}
	if fs.Changed("webrtc-loopback-candidates") {
		cfg.WebRTC.IncludeLoopbackCandidates = o.IncludeLoopbackCandidates
	}

	if err := cfg.Validate(); err != nil {
		return config.PeerConfig{}, err
	}
	if cfg.Address != "" {
		if err := ValidateAddress(cfg.Address); err != nil {
			return config.PeerConfig{}, fmt.Errorf("address: %w", err)
		}
	}
	return cfg, nil
}

// ValidateAddress accepts a bare IP address, the form peers are addressed by.
func ValidateAddress(s string) error {
	if net.ParseIP(strings.TrimSpace(s)) == nil {
		return fmt.Errorf("invalid peer address %q (expected an IP address)", s)
	}
	return nil
}
