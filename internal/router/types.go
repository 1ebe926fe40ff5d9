package router

import "github.com/rickgao/trade-channel/internal/envelope"

// Config holds configuration for the Message Router.
type Config struct {
	BufferSize int // Initial queue capacity, grows on demand. Default: 1024
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
	}
}

// Handler processes one inbound envelope.
type Handler func(envelope.Inbound)

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived  int64
	MessagesRouted    int64 // Delivered to at least one type handler
	MalformedMessages int64
	UnknownMessages   int64 // Well-formed with no handler for the type
	HandlerPanics     int64
	Queue             QueueStats
}
