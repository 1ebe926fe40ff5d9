package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/trade-channel/internal/channel"
	"github.com/rickgao/trade-channel/internal/config"
	"github.com/rickgao/trade-channel/internal/connection"
)

func TestManagerConfig(t *testing.T) {
	attempts := 0
	disabled := false
	cfg := &config.Config{
		Endpoint:     config.EndpointConfig{URL: "/ws", Origin: "https://app.example.com"},
		Reconnect:    config.ReconnectConfig{Enabled: &disabled, BaseDelay: 2 * time.Second, MaxAttempts: &attempts, Multiplier: 2, MaxDelay: time.Minute},
		Subscription: config.SubscriptionConfig{ID: "sub-1"},
		Transport:    config.TransportConfig{HandshakeTimeout: time.Second, PingInterval: 0, MaxMessageSize: 512},
	}

	mc := managerConfig(cfg)

	assert.Equal(t, "/ws", mc.Endpoint)
	assert.Equal(t, "https://app.example.com", mc.Origin)
	assert.Equal(t, "sub-1", mc.SubscriptionID)
	assert.Equal(t, connection.Policy{
		Enabled:     false,
		BaseDelay:   2 * time.Second,
		MaxAttempts: 0,
		Multiplier:  2,
		MaxDelay:    time.Minute,
	}, mc.Policy)
	assert.Equal(t, time.Second, mc.Transport.HandshakeTimeout)
	assert.Equal(t, time.Duration(0), mc.Transport.PingInterval)
	assert.Equal(t, int64(512), mc.Transport.MaxMessageSize)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"market", "prices"}, splitList(" market, ,prices,"))
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = newLogger(config.LogConfig{Level: "bogus"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

type fakeStatus struct {
	state     connection.State
	exhausted bool
	groups    []channel.Group
}

func (f fakeStatus) State() connection.State { return f.state }
func (f fakeStatus) Exhausted() bool         { return f.exhausted }
func (f fakeStatus) Topics() []channel.Group { return f.groups }
func (f fakeStatus) Stats() channel.Stats {
	return channel.Stats{
		Connection:    connection.Stats{State: f.state, Exhausted: f.exhausted},
		Subscriptions: len(f.groups),
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func getHealth(t *testing.T, deps healthDeps) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	createHealthHandler(deps, slog.Default()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		deps   healthDeps
		code   int
		status string
	}{
		{"open", healthDeps{channel: fakeStatus{state: connection.StateOpen}}, http.StatusOK, "healthy"},
		{"reconnecting", healthDeps{channel: fakeStatus{state: connection.StateConnecting}}, http.StatusOK, "degraded"},
		{"exhausted", healthDeps{channel: fakeStatus{state: connection.StateClosed, exhausted: true}}, http.StatusServiceUnavailable, "unhealthy"},
		{"database down", healthDeps{channel: fakeStatus{state: connection.StateOpen}, db: fakePinger{errors.New("refused")}}, http.StatusServiceUnavailable, "unhealthy"},
		{"database up", healthDeps{channel: fakeStatus{state: connection.StateOpen}, db: fakePinger{}}, http.StatusOK, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := getHealth(t, tt.deps)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

func TestDebugSubscriptions(t *testing.T) {
	deps := healthDeps{channel: fakeStatus{groups: []channel.Group{
		{Topics: []string{"prices", "gas"}, Networks: []string{"ethereum"}},
	}}}

	rec := httptest.NewRecorder()
	createHealthHandler(deps, slog.Default()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/subscriptions", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"groups":1,"topics":[{"topics":["prices","gas"],"networks":["ethereum"]}]}`, rec.Body.String())
}

// failingWriter is a ResponseWriter whose body writes always fail.
type failingWriter struct {
	*httptest.ResponseRecorder
}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestHealthHandler_LogsWriteFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := createHealthHandler(healthDeps{channel: fakeStatus{state: connection.StateOpen}}, logger)

	for _, path := range []string{"/health", "/debug/subscriptions"} {
		w := failingWriter{httptest.NewRecorder()}
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := buf.String()
	assert.Contains(t, out, "health response write failed")
	assert.Contains(t, out, "subscriptions response write failed")
}
