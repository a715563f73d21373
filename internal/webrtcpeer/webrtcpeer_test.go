package webrtcpeer_test

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/lanrtc/internal/config"
	"github.com/wilsonzlin/lanrtc/internal/webrtcpeer"
)

func TestOptionsFromPeerConfig(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.WebRTC.UDPPortMin = 50000
	cfg.WebRTC.UDPPortMax = 50100
	cfg.WebRTC.UDPListenIP = "192.168.1.5"
	cfg.WebRTC.IncludeLoopbackCandidates = true

	opts, err := webrtcpeer.OptionsFromPeerConfig(cfg, nil)
	if err != nil {
		t.Fatalf("OptionsFromPeerConfig: %v", err)
	}
	if opts.PortRange == nil || opts.PortRange.Min != 50000 || opts.PortRange.Max != 50100 {
		t.Fatalf("PortRange=%+v, want 50000-50100", opts.PortRange)
	}
	if !opts.ListenIP.Equal(net.ParseIP("192.168.1.5")) {
		t.Fatalf("ListenIP=%v, want 192.168.1.5", opts.ListenIP)
	}
	if !opts.IncludeLoopbackCandidates {
		t.Fatalf("IncludeLoopbackCandidates=false, want true")
	}
}

func TestOptionsFromPeerConfig_Invalid(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.WebRTC.UDPPortMin = 50000
	if _, err := webrtcpeer.OptionsFromPeerConfig(cfg, nil); err == nil {
		t.Fatalf("expected error for half-open port range")
	}

	cfg = config.DefaultPeerConfig()
	cfg.WebRTC.UDPListenIP = "not-an-ip"
	if _, err := webrtcpeer.OptionsFromPeerConfig(cfg, nil); err == nil {
		t.Fatalf("expected error for invalid listen ip")
	}
}

func TestApplyNetworkSettings_RejectsInvertedRange(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := webrtcpeer.ApplyNetworkSettings(&se, webrtcpeer.Options{
		PortRange: &config.UDPPortRange{Min: 60000, Max: 50000},
	})
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestApplyNetworkSettings_ICETimeouts(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := webrtcpeer.ApplyNetworkSettings(&se, webrtcpeer.Options{
		ICETimeouts: &webrtcpeer.ICETimeouts{Disconnected: time.Second, Failed: 2 * time.Second, Keepalive: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}

	err = webrtcpeer.ApplyNetworkSettings(&se, webrtcpeer.Options{
		ICETimeouts: &webrtcpeer.ICETimeouts{Disconnected: time.Second},
	})
	if err == nil {
		t.Fatalf("expected error for zero ice timeouts")
	}
}

type capturedRecord struct {
	level slog.Level
	msg   string
	scope string
}

type captureHandler struct {
	mu      sync.Mutex
	attrs   []slog.Attr
	records *[]capturedRecord
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := capturedRecord{level: r.Level, msg: r.Message}
	for _, a := range h.attrs {
		if a.Key == "pion_scope" {
			rec.scope = a.Value.String()
		}
	}
	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...), records: h.records}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func TestLoggerFactory_RoutesToSlog(t *testing.T) {
	var records []capturedRecord
	logger := slog.New(&captureHandler{records: &records})

	l := webrtcpeer.NewLoggerFactory(logger).NewLogger("ice")
	l.Infof("gathered %d candidates", 3)
	l.Warn("slow")
	l.Trace("noise")

	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	if records[0].msg != "gathered 3 candidates" || records[0].level != slog.LevelInfo {
		t.Fatalf("records[0]=%+v", records[0])
	}
	if records[0].scope != "ice" {
		t.Fatalf("scope=%q, want ice", records[0].scope)
	}
	if records[1].level != slog.LevelWarn {
		t.Fatalf("records[1].level=%v, want WARN", records[1].level)
	}
	if records[2].level != webrtcpeer.LevelTrace {
		t.Fatalf("records[2].level=%v, want trace", records[2].level)
	}
}

func TestLoggerFactory_NilLoggerIsSilent(t *testing.T) {
	l := webrtcpeer.NewLoggerFactory(nil).NewLogger("dtls")
	l.Errorf("boom %v", 1)
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

func connectPeerConnections(t *testing.T, offerer, answerer *webrtc.PeerConnection) {
	t.Helper()

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offerGatherComplete := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer): %v", err)
	}
	<-offerGatherComplete

	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}

	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	answerGatherComplete := webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer): %v", err)
	}
	<-answerGatherComplete

	if err := offerer.SetRemoteDescription(*answerer.LocalDescription()); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
}

func TestNewAPI_ConnectsOverVNet(t *testing.T) {
	netA, netB := newVNetPair(t)

	apiA, err := webrtcpeer.NewAPI(webrtcpeer.Options{Net: netA})
	if err != nil {
		t.Fatalf("NewAPI A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(webrtcpeer.Options{Net: netB})
	if err != nil {
		t.Fatalf("NewAPI B: %v", err)
	}

	pcA, err := apiA.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection A: %v", err)
	}
	t.Cleanup(func() { _ = pcA.Close() })
	pcB, err := apiB.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection B: %v", err)
	}
	t.Cleanup(func() { _ = pcB.Close() })

	if _, err := pcA.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}

	connected := make(chan struct{})
	var once sync.Once
	pcB.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	connectPeerConnections(t, pcA, pcB)

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for connection (state=%s)", pcB.ConnectionState())
	}
}
