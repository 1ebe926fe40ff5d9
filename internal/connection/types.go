package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no pong)")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrNoOrigin           = errors.New("path endpoint requires an origin")
	ErrAlreadyOwned       = errors.New("manager already has an owner")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason says why a connection reached StateClosed.
type CloseReason string

const (
	CloseManual CloseReason = "manual" // Disconnect or Dispose
	CloseRemote CloseReason = "remote" // Peer sent a close frame
	CloseError  CloseReason = "error"  // Dial or read failure
)

// CloseEvent describes a transition to StateClosed.
type CloseEvent struct {
	Reason CloseReason
	Code   int    // WebSocket close code, 1006 when none was received
	Text   string // Close frame text, if any
	Err    error  // Underlying failure for remote and error closures
}

// Abnormal reports whether the closure was not requested by the caller.
func (e CloseEvent) Abnormal() bool {
	return e.Reason != CloseManual
}

// StateChange is emitted on every state transition.
type StateChange struct {
	From   State
	To     State
	Reason CloseReason // Set only when To is StateClosed
}

// ReconnectEvent is emitted when a reconnection attempt is scheduled.
type ReconnectEvent struct {
	Attempt   int           // 1-based attempt number
	Delay     time.Duration // Wait before the attempt
	Remaining int           // Attempts left after this one
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when Read returned
}

// TransportError is a raw I/O failure. It is reported through OnError and is
// never fatal by itself; the closure that follows drives the state machine.
type TransportError struct {
	Op  string // "dial", "read", "send"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ExhaustedError is reported once the reconnect counter reaches the policy
// maximum. It matches ErrReconnectExhausted with errors.Is.
type ExhaustedError struct {
	Attempts int
	Last     CloseEvent
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("reconnect attempts exhausted after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrReconnectExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last.Err
}

// TransportConfig configures the WebSocket transport.
type TransportConfig struct {
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Keepalive ping interval (0 disables)
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	MaxMessageSize   int64         // Read limit in bytes (0 = unlimited)
	Header           http.Header   // Extra handshake headers
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// ManagerConfig configures a Connection Manager.
type ManagerConfig struct {
	Endpoint       string // Path ("/ws") or absolute ws:// / wss:// address
	Origin         string // Origin path endpoints resolve against (e.g. https://app.example.com)
	Policy         Policy
	Transport      TransportConfig
	SubscriptionID string // Sent as X-Subscription-Id on the handshake
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Policy:    DefaultPolicy(),
		Transport: DefaultTransportConfig(),
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State            State
	Attempts         int
	Remaining        int
	Exhausted        bool
	Opens            int64
	Closes           int64
	MessagesReceived int64
	MessagesSent     int64
	SendWhileClosed  int64
	TransportErrors  int64
}
