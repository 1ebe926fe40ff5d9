package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultEndpointURL      = "/ws"
	DefaultOrigin           = "http://localhost:8080"
	DefaultBaseDelay        = 5000 * time.Millisecond
	DefaultMaxAttempts      = 3
	DefaultMultiplier       = 1.5
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultMaxMessageSize   = 1 << 20
	DefaultRouterBuffer     = 1024
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultBufferSize       = 10000
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

func (c *Config) applyDefaults() {
	// Endpoint defaults. Absolute URLs need no origin.
	if c.Endpoint.URL == "" {
		c.Endpoint.URL = DefaultEndpointURL
	}
	if c.Endpoint.Origin == "" && isPath(c.Endpoint.URL) {
		c.Endpoint.Origin = DefaultOrigin
	}

	// Reconnect defaults
	if c.Reconnect.Enabled == nil {
		enabled := true
		c.Reconnect.Enabled = &enabled
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxAttempts == nil {
		attempts := DefaultMaxAttempts
		c.Reconnect.MaxAttempts = &attempts
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}

	// Subscription defaults
	if c.Subscription.ID == "" {
		c.Subscription.ID = uuid.NewString()
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = DefaultMaxMessageSize
	}

	if c.Router.BufferSize == 0 {
		c.Router.BufferSize = DefaultRouterBuffer
	}

	// Recorder defaults
	applyDBDefaults(&c.Recorder.Database)
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
