package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/lanrtc/internal/config"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/metrics"
	"github.com/wilsonzlin/lanrtc/internal/registry"
)

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }
func (nopConn) Open() bool        { return true }

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, state State) (srv *Server, baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New(cfg, log, build, state)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return srv, "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status=%d, want %d", resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	_, baseURL := startTestServer(t, testConfig(), State{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		getJSON(t, baseURL+"/healthz", http.StatusOK, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		getJSON(t, baseURL+"/readyz", http.StatusOK, nil)
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		getJSON(t, baseURL+"/version", http.StatusOK, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/healthz", http.StatusOK, nil)
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID header")
		}
	})
}

func TestReadyzAfterShutdown(t *testing.T) {
	srv, baseURL := startTestServer(t, testConfig(), State{})
	getJSON(t, baseURL+"/readyz", http.StatusOK, nil)

	srv.ready.Store(false)
	getJSON(t, baseURL+"/readyz", http.StatusServiceUnavailable, nil)
}

func TestStatusEndpoint(t *testing.T) {
	reg := registry.New(registry.PolicyFanOut)
	if _, err := reg.Register(nopConn{}, "192.168.1.10", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := history.NewStore(0)
	store.Append("192.168.1.10", "192.168.1.20", history.ChatMessage{Text: "hi"})

	_, baseURL := startTestServer(t, testConfig(), State{
		ServerIP: "192.168.1.2",
		Registry: reg,
		History:  store,
	})

	var got Status
	getJSON(t, baseURL+"/status", http.StatusOK, &got)
	if !got.OK {
		t.Fatalf("ok=false, want true")
	}
	if got.ServerIP != "192.168.1.2" {
		t.Fatalf("serverIP=%q, want %q", got.ServerIP, "192.168.1.2")
	}
	if got.Connections != 1 {
		t.Fatalf("connections=%d, want 1", got.Connections)
	}
	if got.ChatPairs != 1 {
		t.Fatalf("chatPairs=%d, want 1", got.ChatPairs)
	}
	_, port, err := net.SplitHostPort(got.ListenAddr)
	if err != nil {
		t.Fatalf("listenAddr=%q: %v", got.ListenAddr, err)
	}
	want := "ws://192.168.1.2:" + port + "/ws"
	if got.SignalingURL != want {
		t.Fatalf("signalingURL=%q, want %q", got.SignalingURL, want)
	}
}

func TestSignalingURL(t *testing.T) {
	cases := []struct {
		serverIP, listenAddr, want string
	}{
		{"10.0.0.5", ":8080", "ws://10.0.0.5:8080/ws"},
		{"10.0.0.5", "0.0.0.0:9000", "ws://10.0.0.5:9000/ws"},
		{"10.0.0.5", "bogus", "ws://10.0.0.5:80/ws"},
		{"fe80::1", "[::]:8080", "ws://[fe80::1]:8080/ws"},
	}
	for _, tc := range cases {
		if got := signalingURL(tc.serverIP, tc.listenAddr); got != tc.want {
			t.Fatalf("signalingURL(%q, %q)=%q, want %q", tc.serverIP, tc.listenAddr, got, tc.want)
		}
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	_, baseURL := startTestServer(t, cfg, State{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	getJSON(t, baseURL+"/ice", http.StatusOK, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" {
		t.Fatalf("username=%v, want user", payload.ICEServers[1]["username"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SignalForwarded)

	_, baseURL := startTestServer(t, testConfig(), State{Metrics: m})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `event="`+metrics.SignalForwarded+`"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
