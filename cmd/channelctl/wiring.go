package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/rickgao/trade-channel/internal/config"
	"github.com/rickgao/trade-channel/internal/connection"
	"github.com/rickgao/trade-channel/internal/recorder"
	"github.com/rickgao/trade-channel/internal/router"
)

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// managerConfig maps loaded configuration onto a Connection Manager config.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Endpoint = cfg.Endpoint.URL
	mc.Origin = cfg.Endpoint.Origin
	mc.SubscriptionID = cfg.Subscription.ID

	mc.Policy = connection.Policy{
		Enabled:     cfg.Reconnect.ReconnectEnabled(),
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxAttempts: cfg.Reconnect.Attempts(),
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	}

	t := cfg.Transport
	mc.Transport.HandshakeTimeout = t.HandshakeTimeout
	mc.Transport.WriteTimeout = t.WriteTimeout
	mc.Transport.PingInterval = t.PingInterval
	mc.Transport.PingTimeout = t.PingTimeout
	mc.Transport.MaxMessageSize = t.MaxMessageSize

	return mc
}

func routerConfig(cfg *config.Config) router.Config {
	return router.Config{BufferSize: cfg.Router.BufferSize}
}

func recorderConfig(cfg *config.Config) recorder.Config {
	return recorder.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
	}
}

// splitList parses a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
