package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/lanrtc/internal/config"
)

func parse(t *testing.T, args ...string) (*Options, *pflag.FlagSet) {
	t.Helper()
	opts := &Options{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return opts, fs
}

func TestOptions_Defaults(t *testing.T) {
	opts, fs := parse(t)

	cfg, err := opts.PeerConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPeerConfig(), cfg)
}

func TestOptions_FlagsOverrideProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	profile := `relay: ws://192.168.1.10:8080/ws
address: 192.168.1.20
dialTimeout: 3s
logLevel: debug
webrtc:
  udpPortMin: 50000
  udpPortMax: 50100
`
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	opts, fs := parse(t, "--config", path, "--address", "192.168.1.21", "--webrtc-loopback-candidates")

	cfg, err := opts.PeerConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "ws://192.168.1.10:8080/ws", cfg.RelayURL)
	assert.Equal(t, "192.168.1.21", cfg.Address)
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint16(50000), cfg.WebRTC.UDPPortMin)
	assert.Equal(t, uint16(50100), cfg.WebRTC.UDPPortMax)
	assert.True(t, cfg.WebRTC.IncludeLoopbackCandidates)
	// Unset flags leave profile values alone.
	assert.Equal(t, config.DefaultPeerPingInterval, cfg.PingInterval)
}

func TestOptions_Invalid(t *testing.T) {
	cases := map[string][]string{
		"bad relay scheme":  {"--relay", "http://127.0.0.1:8080/ws"},
		"bad address":       {"--address", "laptop"},
		"half port range":   {"--webrtc-udp-port-min", "50000"},
		"bad log level":     {"--log-level", "loud"},
		"bad listen ip":     {"--webrtc-udp-listen-ip", "nope"},
		"zero dial timeout": {"--dial-timeout", "0s"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			opts, fs := parse(t, args...)
			_, err := opts.PeerConfig(fs)
			assert.Error(t, err)
		})
	}
}

func TestOptions_MissingProfile(t *testing.T) {
	opts, fs := parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := opts.PeerConfig(fs)
	assert.Error(t, err)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("192.168.1.5"))
	assert.NoError(t, ValidateAddress("fe80::1"))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("192.168.1"))
	assert.Error(t, ValidateAddress("host.local"))
}
