package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical channel. Read is called from a single goroutine;
// Send and Close may be called concurrently with it.
type Conn interface {
	// Read blocks until the next data frame or a failure.
	Read() ([]byte, error)

	// Send writes one text frame.
	Send(data []byte) error

	// Close sends a close frame with code and reason, then closes the socket.
	Close(code int, reason string) error
}

// Dialer opens physical channels.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsDialer dials gorilla/websocket connections.
type wsDialer struct {
	cfg    TransportConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a WebSocket dialer. Zero fields in cfg take defaults.
func NewDialer(cfg TransportConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultTransportConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval > 0 && cfg.PingTimeout <= cfg.PingInterval {
		cfg.PingTimeout = 2 * cfg.PingInterval
	}

	return &wsDialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: logger,
	}
}

// Dial establishes the WebSocket connection.
func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Accept", "application/json")

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	c := &wsConn{
		conn:     conn,
		cfg:      d.cfg,
		logger:   d.logger,
		lastPong: time.Now(),
		done:     make(chan struct{}),
	}

	if d.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(d.cfg.MaxMessageSize)
	}

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(d.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	if d.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	d.logger.Debug("websocket connected", "url", url)

	return c, nil
}

// wsConn implements Conn over gorilla/websocket.
type wsConn struct {
	conn   *websocket.Conn
	cfg    TransportConfig
	logger *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
	stale    bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// Read returns the next text or binary frame.
func (c *wsConn) Read() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.stale
			c.mu.Unlock()
			if stale {
				return nil, ErrStaleConnection
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes raw bytes to the connection.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrAlreadyClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the connection.
func (c *wsConn) Close(code int, reason string) error {
	err := ErrAlreadyClosed
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// heartbeatLoop pings the peer and tears the socket down when pongs stop.
func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.Lock()
			lastPong := c.lastPong
			c.mu.Unlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				c.mu.Lock()
				c.stale = true
				c.mu.Unlock()
				// Unblocks Read, which reports ErrStaleConnection.
				_ = c.conn.Close()
				return
			}
		}
	}
}
