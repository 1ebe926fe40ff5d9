package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// clearEnv blanks the override variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvURL, EnvOrigin, EnvReconnectInterval, EnvMaxAttempts, EnvSubscriptionID} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	yaml := `
endpoint:
  url: /stream
  origin: https://app.example.com:8443
reconnect:
  enabled: false
  base_delay: 250ms
  max_attempts: 0
subscription:
  id: sub-123
  topics: [prices, gas]
  networks: [ethereum]
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Endpoint.URL != "/stream" {
		t.Errorf("Endpoint.URL = %q, want %q", cfg.Endpoint.URL, "/stream")
	}
	if cfg.Endpoint.Origin != "https://app.example.com:8443" {
		t.Errorf("Endpoint.Origin = %q", cfg.Endpoint.Origin)
	}
	if cfg.Reconnect.ReconnectEnabled() {
		t.Error("Reconnect should be disabled")
	}
	if cfg.Reconnect.BaseDelay != 250*time.Millisecond {
		t.Errorf("Reconnect.BaseDelay = %v, want 250ms", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.Attempts() != 0 {
		t.Errorf("Reconnect.Attempts() = %d, want explicit 0", cfg.Reconnect.Attempts())
	}
	if len(cfg.Subscription.Topics) != 2 || cfg.Subscription.Networks[0] != "ethereum" {
		t.Errorf("Subscription = %+v", cfg.Subscription)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
recorder:
  enabled: true
  database:
    host: localhost
    name: channel
    user: recorder
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Recorder.Database.Password != "secret123" {
		t.Errorf("Recorder.Database.Password = %q, want %q", cfg.Recorder.Database.Password, "secret123")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadWithDefaults_ZeroConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadWithDefaults("")
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Endpoint.URL != DefaultEndpointURL || cfg.Endpoint.Origin != DefaultOrigin {
		t.Errorf("Endpoint = %+v, want defaults", cfg.Endpoint)
	}
	if !cfg.Reconnect.ReconnectEnabled() {
		t.Error("Reconnect should default to enabled")
	}
	if cfg.Reconnect.BaseDelay != 5000*time.Millisecond {
		t.Errorf("Reconnect.BaseDelay = %v, want 5s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.Attempts() != 3 {
		t.Errorf("Reconnect.Attempts() = %d, want 3", cfg.Reconnect.Attempts())
	}
	if cfg.Reconnect.Multiplier != 1.5 {
		t.Errorf("Reconnect.Multiplier = %v, want 1.5", cfg.Reconnect.Multiplier)
	}
	if _, err := uuid.Parse(cfg.Subscription.ID); err != nil {
		t.Errorf("Subscription.ID = %q, want a generated uuid", cfg.Subscription.ID)
	}
	if cfg.Recorder.BatchSize != DefaultBatchSize {
		t.Errorf("Recorder.BatchSize = %d, want default %d", cfg.Recorder.BatchSize, DefaultBatchSize)
	}
	if cfg.Recorder.Database.Port != DefaultDBPort {
		t.Errorf("Recorder.Database.Port = %d, want default %d", cfg.Recorder.Database.Port, DefaultDBPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero config should validate: %v", err)
	}
}

func TestLoadWithDefaults_AbsoluteURLNeedsNoOrigin(t *testing.T) {
	clearEnv(t)
	path := writeTempFile(t, "endpoint:\n  url: wss://feed.example.com/ws\n")

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if cfg.Endpoint.Origin != "" {
		t.Errorf("Endpoint.Origin = %q, want empty", cfg.Endpoint.Origin)
	}
}

func TestLoadWithDefaults_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvURL, "wss://override.example.com/ws")
	t.Setenv(EnvReconnectInterval, "1200")
	t.Setenv(EnvMaxAttempts, "7")
	t.Setenv(EnvSubscriptionID, "from-env")

	yaml := `
endpoint:
  url: /ws
reconnect:
  base_delay: 3s
  max_attempts: 2
subscription:
  id: from-file
`
	cfg, err := LoadWithDefaults(writeTempFile(t, yaml))
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Endpoint.URL != "wss://override.example.com/ws" {
		t.Errorf("Endpoint.URL = %q", cfg.Endpoint.URL)
	}
	if cfg.Reconnect.BaseDelay != 1200*time.Millisecond {
		t.Errorf("Reconnect.BaseDelay = %v, want 1.2s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.Attempts() != 7 {
		t.Errorf("Reconnect.Attempts() = %d, want 7", cfg.Reconnect.Attempts())
	}
	if cfg.Subscription.ID != "from-env" {
		t.Errorf("Subscription.ID = %q, want from-env", cfg.Subscription.ID)
	}
}

func TestLoadWithDefaults_BadEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{EnvReconnectInterval, "soon"},
		{EnvReconnectInterval, "-5"},
		{EnvMaxAttempts, "many"},
		{EnvMaxAttempts, "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := LoadWithDefaults(""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("WS_SUBSCRIPTION_ID=dotenv-id\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// godotenv does not override set variables, so unset the blank one.
	os.Unsetenv(EnvSubscriptionID)

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}

	cfg, err := LoadWithDefaults("")
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if cfg.Subscription.ID != "dotenv-id" {
		t.Errorf("Subscription.ID = %q, want dotenv-id", cfg.Subscription.ID)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var c Config
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "path without origin",
			mutate:  func(c *Config) { c.Endpoint.Origin = "" },
			wantErr: "endpoint.origin is required for a path url",
		},
		{
			name:    "http url",
			mutate:  func(c *Config) { c.Endpoint.URL = "http://example.com/ws" },
			wantErr: `endpoint.url "http://example.com/ws" must be a path or a ws:// / wss:// url`,
		},
		{
			name:    "shrinking multiplier",
			mutate:  func(c *Config) { c.Reconnect.Multiplier = 0.5 },
			wantErr: "reconnect.multiplier must be >= 1, got 0.5",
		},
		{
			name: "negative attempts",
			mutate: func(c *Config) {
				n := -1
				c.Reconnect.MaxAttempts = &n
			},
			wantErr: "reconnect.max_attempts must be >= 0",
		},
		{
			name:    "empty topic",
			mutate:  func(c *Config) { c.Subscription.Topics = []string{"prices", " "} },
			wantErr: "subscription.topics[1] is empty",
		},
		{
			name: "ping timeout too short",
			mutate: func(c *Config) {
				c.Transport.PingInterval = 30 * time.Second
				c.Transport.PingTimeout = 10 * time.Second
			},
			wantErr: "transport.ping_timeout (10s) must exceed ping_interval (30s)",
		},
		{
			name: "recorder missing host",
			mutate: func(c *Config) {
				c.Recorder.Enabled = true
			},
			wantErr: "recorder.database.host is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Recorder.Enabled = true
				c.Recorder.Database = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5, MinConns: 10}
			},
			wantErr: "recorder.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format must be text or json, got "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
