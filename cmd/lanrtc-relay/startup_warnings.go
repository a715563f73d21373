package main

import (
	"log/slog"
	"net"
	"time"

	"github.com/wilsonzlin/lanrtc/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config, addressFallback bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if addressFallback {
		logger.Warn("startup warning: no LAN IPv4 address detected; advertising 127.0.0.1 (set --advertise-ip)",
			"warning_code", "server_ip_loopback_fallback",
			"mode", cfg.Mode,
		)
	}

	if isLoopbackListen(cfg.ListenAddr) {
		logger.Warn("startup warning: listening on loopback only; peers on the LAN cannot connect",
			"warning_code", "listen_addr_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup warning: signaling rate limit disabled",
			"warning_code", "signaling_rate_limit_disabled",
			"max_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup warning: max signaling message size is very large (raises per-message allocation)",
			"warning_code", "signaling_max_message_large",
			"max_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingWSPingInterval > 0 && cfg.SignalingWSIdleTimeout > 0 &&
		cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		logger.Warn("startup warning: ws ping interval is not shorter than the idle timeout; idle connections will be dropped",
			"warning_code", "ws_ping_interval_exceeds_idle_timeout",
			"ws_ping_interval", cfg.SignalingWSPingInterval,
			"ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.ChatHistoryLimit > 10_000 {
		logger.Warn("startup warning: chat history limit is very large (all history is held in memory)",
			"warning_code", "chat_history_limit_large",
			"chat_history_limit", cfg.ChatHistoryLimit,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ShutdownTimeout < time.Second {
		logger.Warn("startup warning: shutdown timeout under 1s while --mode=prod",
			"warning_code", "shutdown_timeout_short_in_prod",
			"shutdown_timeout", cfg.ShutdownTimeout,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
