package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/lanrtc/internal/config"
	"github.com/wilsonzlin/lanrtc/internal/history"
	"github.com/wilsonzlin/lanrtc/internal/httpserver"
	"github.com/wilsonzlin/lanrtc/internal/lanaddr"
	"github.com/wilsonzlin/lanrtc/internal/metrics"
	"github.com/wilsonzlin/lanrtc/internal/registry"
	"github.com/wilsonzlin/lanrtc/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	serverIP, fallback := lanaddr.Resolve(nil, cfg.AdvertiseIP)

	logger.Info("starting lanrtc-relay",
		"listen_addr", cfg.ListenAddr,
		"server_ip", serverIP.String(),
		"mode", cfg.Mode,
		"duplicate_address_policy", cfg.DuplicateAddressPolicy,
		"chat_history_limit", cfg.ChatHistoryLimit,
		"max_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
	)

	logStartupWarnings(logger, cfg, fallback)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	relay := newRelay(cfg, logger, serverIP.String(), httpserver.BuildInfo{Commit: commit, BuildTime: built})

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.srv.Serve(ln)
	}()
	logger.Info("signaling ready", "server_ip", serverIP.String(), "addr", ln.Addr().String(), "path", "/ws")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		relay.ws.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := relay.srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

type relayServer struct {
	srv     *httpserver.Server
	ws      *signaling.WebSocketServer
	router  *signaling.Router
	metrics *metrics.Metrics
}

// newRelay wires the registry, history store and router behind the status
// server. Shutdown of the status server also closes signaling connections.
func newRelay(cfg config.Config, logger *slog.Logger, serverIP string, build httpserver.BuildInfo) *relayServer {
	m := metrics.New()
	router := signaling.NewRouter(signaling.RouterConfig{
		Registry: registry.New(cfg.DuplicateAddressPolicy),
		History:  history.NewStore(cfg.ChatHistoryLimit),
		ServerIP: serverIP,
		Metrics:  m,
		Logger:   logger,
	})
	ws := signaling.NewWebSocketServer(signaling.WebSocketConfig{
		Router:               router,
		Metrics:              m,
		Logger:               logger,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})

	srv := httpserver.New(cfg, logger, build, httpserver.State{
		ServerIP: serverIP,
		Registry: router.Registry(),
		History:  router.History(),
		Metrics:  m,
	})
	ws.RegisterRoutes(srv.Mux())
	srv.RegisterOnShutdown(ws.Close)

	return &relayServer{srv: srv, ws: ws, router: router, metrics: m}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
