package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Endpoint.validate(); err != nil {
		return err
	}

	if c.Reconnect.Attempts() < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect.max_delay must be >= 0")
	}
	if c.Reconnect.ReconnectEnabled() {
		if c.Reconnect.BaseDelay <= 0 {
			return errors.New("reconnect.base_delay must be positive")
		}
		if c.Reconnect.Multiplier < 1 {
			return fmt.Errorf("reconnect.multiplier must be >= 1, got %g", c.Reconnect.Multiplier)
		}
	}

	for i, topic := range c.Subscription.Topics {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("subscription.topics[%d] is empty", i)
		}
	}

	if c.Transport.PingInterval > 0 && c.Transport.PingTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%v) must exceed ping_interval (%v)",
			c.Transport.PingTimeout, c.Transport.PingInterval)
	}
	if c.Transport.MaxMessageSize < 0 {
		return errors.New("transport.max_message_size must be >= 0")
	}

	if c.Router.BufferSize < 1 {
		return errors.New("router.buffer_size must be >= 1")
	}

	if c.Recorder.Enabled {
		if err := c.Recorder.Database.validate("recorder.database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (e EndpointConfig) validate() error {
	if e.URL == "" {
		return errors.New("endpoint.url is required")
	}
	if isPath(e.URL) {
		if e.Origin == "" {
			return errors.New("endpoint.origin is required for a path url")
		}
		u, err := url.Parse(e.Origin)
		if err != nil || u.Host == "" {
			return fmt.Errorf("endpoint.origin %q is not an absolute url", e.Origin)
		}
		return nil
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("endpoint.url %q must be a path or a ws:// / wss:// url", e.URL)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func isPath(s string) bool {
	return strings.HasPrefix(s, "/")
}
