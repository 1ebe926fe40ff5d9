// Package router dispatches inbound envelopes to handlers registered by type.
//
// The router is fed from the channel's message listener. Messages are queued
// and handled by a single goroutine in arrival order, so a slow handler never
// stalls the connection's event loop.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/trade-channel/internal/envelope"
)

var ErrAlreadyStarted = errors.New("router already started")

// Router routes inbound envelopes by type.
type Router struct {
	cfg    Config
	logger *slog.Logger
	queue  *Queue[envelope.Inbound]

	mu        sync.RWMutex
	handlers  map[string][]Handler
	malformed []Handler
	unknown   []Handler
	taps      []Handler

	// Lifecycle
	started atomic.Bool
	done    chan struct{}

	// Stats
	received       atomic.Int64
	routed         atomic.Int64
	malformedCount atomic.Int64
	unknownCount   atomic.Int64
	panics         atomic.Int64
}

// New creates a Message Router.
func New(cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		queue:    NewQueue[envelope.Inbound](cfg.BufferSize, 0),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
}

// Handle registers fn for envelopes of msgType. Several handlers per type run
// in registration order.
func (r *Router) Handle(msgType string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], fn)
}

// HandleMalformed registers fn for frames that are not well-formed envelopes.
func (r *Router) HandleMalformed(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed = append(r.malformed, fn)
}

// HandleUnknown registers fn for well-formed envelopes with no type handler.
func (r *Router) HandleUnknown(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown = append(r.unknown, fn)
}

// Tap registers fn for every envelope, before any other handler.
func (r *Router) Tap(fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, fn)
}

// Publish queues in for dispatch. It returns false after Stop.
func (r *Router) Publish(in envelope.Inbound) bool {
	if !r.queue.Push(in) {
		return false
	}
	r.received.Add(1)
	return true
}

// Start begins dispatching. Cancelling ctx stops the router after the queue
// drains.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	go r.dispatchLoop()
	go func() {
		select {
		case <-ctx.Done():
			r.queue.Close()
		case <-r.done:
		}
	}()

	r.logger.Info("message router started", "buffer", r.cfg.BufferSize)
	return nil
}

// Stop closes the queue and waits for queued envelopes to be dispatched.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")
	r.queue.Close()

	if !r.started.Load() {
		return nil
	}

	select {
	case <-r.done:
		r.logger.Info("message router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out", "pending", r.queue.Len())
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		MessagesReceived:  r.received.Load(),
		MessagesRouted:    r.routed.Load(),
		MalformedMessages: r.malformedCount.Load(),
		UnknownMessages:   r.unknownCount.Load(),
		HandlerPanics:     r.panics.Load(),
		Queue:             r.queue.Stats(),
	}
}

// dispatchLoop is the main routing goroutine.
func (r *Router) dispatchLoop() {
	defer close(r.done)

	for {
		in, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.dispatch(in)
	}
}

// dispatch routes a single envelope.
func (r *Router) dispatch(in envelope.Inbound) {
	r.mu.RLock()
	taps := r.taps
	var handlers []Handler
	switch {
	case in.Malformed:
		handlers = r.malformed
	default:
		handlers = r.handlers[in.Type]
	}
	unknown := r.unknown
	r.mu.RUnlock()

	for _, fn := range taps {
		r.call(fn, in)
	}

	switch {
	case in.Malformed:
		r.malformedCount.Add(1)
		if len(handlers) == 0 {
			r.logger.Debug("dropping malformed message", "size", len(in.Raw))
		}
	case len(handlers) > 0:
		r.routed.Add(1)
	default:
		r.unknownCount.Add(1)
		handlers = unknown
		if len(handlers) == 0 {
			r.logger.Debug("skipping message type", "type", in.Type)
		}
	}

	for _, fn := range handlers {
		r.call(fn, in)
	}
}

func (r *Router) call(fn Handler, in envelope.Inbound) {
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			r.logger.Error("handler panicked", "type", in.Type, "panic", p)
		}
	}()
	fn(in)
}
