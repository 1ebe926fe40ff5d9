package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/trade-channel/internal/channel"
	"github.com/rickgao/trade-channel/internal/connection"
	"github.com/rickgao/trade-channel/internal/recorder"
	"github.com/rickgao/trade-channel/internal/router"
)

// channelStatus is the part of *channel.Channel the health server reads.
type channelStatus interface {
	State() connection.State
	Exhausted() bool
	Stats() channel.Stats
	Topics() []channel.Group
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthDeps are the components reported by the health server. Recorder and
// db are nil when recording is disabled.
type healthDeps struct {
	channel  channelStatus
	router   *router.Router
	recorder *recorder.Recorder
	db       pinger
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(deps healthDeps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Channel
		state := deps.channel.State()
		stats := deps.channel.Stats()
		health.Components["channel"] = map[string]any{
			"state":         state.String(),
			"exhausted":     stats.Connection.Exhausted,
			"attempts":      stats.Connection.Attempts,
			"subscriptions": stats.Subscriptions,
			"replays":       stats.Replays,
		}
		switch {
		case deps.channel.Exhausted():
			health.Status = "unhealthy"
		case state != connection.StateOpen:
			health.Status = "degraded"
		}

		// Router
		if deps.router != nil {
			rs := deps.router.Stats()
			health.Components["router"] = map[string]any{
				"received":  rs.MessagesReceived,
				"routed":    rs.MessagesRouted,
				"malformed": rs.MalformedMessages,
				"queued":    rs.Queue.Len,
			}
		}

		// Recorder database
		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}
		if deps.recorder != nil {
			health.Components["recorder"] = deps.recorder.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("health response write failed", "error", err)
		}
	})

	mux.HandleFunc("/debug/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		groups := deps.channel.Topics()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"groups": len(groups),
			"topics": groups,
		}); err != nil {
			logger.Debug("subscriptions response write failed", "error", err)
		}
	})

	return mux
}
