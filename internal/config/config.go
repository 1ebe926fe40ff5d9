// Package config loads channel configuration from YAML, .env files and the
// environment.
package config

import "time"

// Config is the root configuration for a channel client.
type Config struct {
	Endpoint     EndpointConfig     `yaml:"endpoint"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Transport    TransportConfig    `yaml:"transport"`
	Router       RouterConfig       `yaml:"router"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	Log          LogConfig          `yaml:"log"`
}

// EndpointConfig locates the backend.
type EndpointConfig struct {
	URL    string `yaml:"url"`    // Path ("/ws") or absolute ws:// / wss:// address
	Origin string `yaml:"origin"` // Origin path URLs resolve against
}

// ReconnectConfig holds the reconnection policy. Pointer fields distinguish
// an explicit zero from an omitted value.
type ReconnectConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxAttempts *int          `yaml:"max_attempts"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SubscriptionConfig holds the initial subscription intent.
type SubscriptionConfig struct {
	ID       string   `yaml:"id"`
	Topics   []string `yaml:"topics"`
	Networks []string `yaml:"networks"`
}

// TransportConfig holds WebSocket transport settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}

// RouterConfig holds message router settings.
type RouterConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// RecorderConfig holds the optional message recorder.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ReconnectEnabled reports whether automatic reconnection is on.
func (r ReconnectConfig) ReconnectEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Attempts returns the configured attempt limit.
func (r ReconnectConfig) Attempts() int {
	if r.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *r.MaxAttempts
}
