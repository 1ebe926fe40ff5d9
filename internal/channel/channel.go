// Package channel implements the Channel Facade: the stable publish/subscribe
// surface over a Connection Manager.
//
// The facade remembers subscription intent and replays it every time the
// underlying connection opens, before any OnOpen listener runs. Callers see
// a channel that is already subscribed to everything they asked for.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/trade-channel/internal/connection"
	"github.com/rickgao/trade-channel/internal/envelope"
	"github.com/rickgao/trade-channel/internal/listener"
)

// Errors
var (
	ErrNoTopics     = errors.New("no topics given")
	ErrDisposed     = errors.New("channel disposed")
	ErrManagerOwned = connection.ErrAlreadyOwned
)

// Stats provides statistics about the facade.
type Stats struct {
	Connection        connection.Stats
	Subscriptions     int
	Replays           int64 // Open transitions that replayed intent
	SubscribesSent    int64
	UnsubscribesSent  int64
	MessagesMalformed int64
}

// Channel is the Channel Facade. It must be the only owner of its Manager.
type Channel struct {
	mgr    *connection.Manager
	logger *slog.Logger

	// Guards intent and open. Held across replay so a Subscribe racing the
	// open transition is either replayed or sent directly, never both.
	mu     sync.Mutex
	intent Intent
	open   bool

	disposed atomic.Bool
	detach   []func()

	replays      atomic.Int64
	subscribes   atomic.Int64
	unsubscribes atomic.Int64
	malformed    atomic.Int64

	onOpen      *listener.Set[struct{}]
	onClose     *listener.Set[connection.CloseEvent]
	onMessage   *listener.Set[envelope.Inbound]
	onError     *listener.Set[error]
	onReconnect *listener.Set[connection.ReconnectEvent]
}

// New creates a facade over mgr and takes ownership of it.
// It fails with ErrManagerOwned if mgr already has an owner.
func New(mgr *connection.Manager, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := mgr.Claim(); err != nil {
		return nil, fmt.Errorf("channel for %s: %w", mgr.Endpoint(), err)
	}

	logger = logger.With("component", "channel")
	c := &Channel{
		mgr:    mgr,
		logger: logger,

		onOpen:      listener.NewSet[struct{}]("open", logger),
		onClose:     listener.NewSet[connection.CloseEvent]("close", logger),
		onMessage:   listener.NewSet[envelope.Inbound]("message", logger),
		onError:     listener.NewSet[error]("error", logger),
		onReconnect: listener.NewSet[connection.ReconnectEvent]("reconnect", logger),
	}

	c.detach = []func(){
		mgr.OnOpen(c.handleOpen),
		mgr.OnClose(c.handleClose),
		mgr.OnMessage(c.handleMessage),
		mgr.OnError(c.handleError),
		mgr.OnReconnectScheduled(c.handleReconnect),
	}

	return c, nil
}

// OnOpen registers fn to run after each open, once intent has been replayed.
func (c *Channel) OnOpen(fn func()) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return c.onOpen.Add(func(struct{}) { fn() })
}

// OnClose registers fn for every closure.
func (c *Channel) OnClose(fn func(connection.CloseEvent)) (remove func()) {
	return c.onClose.Add(fn)
}

// OnMessage registers fn for every inbound envelope, in arrival order.
// Malformed frames are delivered with Malformed set and the raw payload.
func (c *Channel) OnMessage(fn func(envelope.Inbound)) (remove func()) {
	return c.onMessage.Add(fn)
}

// OnError registers fn for transport failures and reconnect exhaustion.
func (c *Channel) OnError(fn func(error)) (remove func()) {
	return c.onError.Add(fn)
}

// OnReconnectScheduled registers fn for every scheduled reconnection attempt.
func (c *Channel) OnReconnectScheduled(fn func(connection.ReconnectEvent)) (remove func()) {
	return c.onReconnect.Add(fn)
}

// Connect opens the channel.
func (c *Channel) Connect() {
	if c.disposed.Load() {
		return
	}
	c.mgr.Connect()
}

// Disconnect closes the channel. Subscription intent is kept.
func (c *Channel) Disconnect() {
	if c.disposed.Load() {
		return
	}
	c.mgr.Disconnect()
}

// Reconnect resets the reconnect counter and connects.
func (c *Channel) Reconnect() {
	if c.disposed.Load() {
		return
	}
	c.mgr.Reconnect()
}

// Send delegates to the Manager. Nothing is buffered while closed.
func (c *Channel) Send(env envelope.Envelope) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	return c.mgr.Send(env)
}

// Subscribe remembers topics within the networks scope. When the channel is
// open, a subscribe envelope for the newly added topics is sent at once;
// otherwise they are sent on the next open.
func (c *Channel) Subscribe(topics, networks []string) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed.Load() {
		return ErrDisposed
	}

	added := c.intent.Add(topics, networks)
	if len(added) == 0 {
		return nil
	}
	if !c.open {
		c.logger.Debug("subscription remembered", "topics", added, "networks", networks)
		return nil
	}

	return c.sendControl(envelope.Subscribe(added, networks), &c.subscribes)
}

// Unsubscribe forgets topics within the networks scope. An unsubscribe
// envelope is sent only for topics that were remembered, and only when open.
func (c *Channel) Unsubscribe(topics, networks []string) error {
	if len(topics) == 0 {
		return ErrNoTopics
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed.Load() {
		return ErrDisposed
	}

	removed := c.intent.Remove(topics, networks)
	if len(removed) == 0 || !c.open {
		return nil
	}

	return c.sendControl(envelope.Unsubscribe(removed, networks), &c.unsubscribes)
}

// sendControl sends a subscription envelope. Losing the connection between
// the open check and the write is not an error: intent is replayed on the
// next open. Caller must hold c.mu.
func (c *Channel) sendControl(env envelope.Envelope, counter *atomic.Int64) error {
	err := c.mgr.Send(env)
	switch {
	case err == nil:
		counter.Add(1)
		return nil
	case errors.Is(err, connection.ErrNotConnected):
		c.logger.Debug("channel closed before send, deferring to replay", "type", env.Type)
		return nil
	default:
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
}

// Topics returns the remembered subscriptions grouped by scope.
func (c *Channel) Topics() []Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent.Groups()
}

// State returns the underlying connection state.
func (c *Channel) State() connection.State {
	return c.mgr.State()
}

// Exhausted reports whether reconnection gave up.
func (c *Channel) Exhausted() bool {
	return c.mgr.Exhausted()
}

// Stats returns current statistics.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	subs := c.intent.Len()
	c.mu.Unlock()

	return Stats{
		Connection:        c.mgr.Stats(),
		Subscriptions:     subs,
		Replays:           c.replays.Load(),
		SubscribesSent:    c.subscribes.Load(),
		UnsubscribesSent:  c.unsubscribes.Load(),
		MessagesMalformed: c.malformed.Load(),
	}
}

// Dispose clears subscription intent and disposes the Manager. No unsubscribe
// is sent. Listeners stop firing immediately. Safe to call more than once.
func (c *Channel) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	c.intent.Clear()
	c.open = false
	c.mu.Unlock()

	for _, remove := range c.detach {
		remove()
	}
	c.onOpen.Clear()
	c.onClose.Clear()
	c.onMessage.Clear()
	c.onError.Clear()
	c.onReconnect.Clear()

	c.mgr.Dispose()
	c.logger.Debug("channel disposed")
}

// Done is closed once the underlying Manager has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.mgr.Done()
}

// handleOpen replays intent, one subscribe envelope per scope, then notifies
// OnOpen listeners.
func (c *Channel) handleOpen() {
	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		return
	}
	c.open = true

	groups := c.intent.Groups()
	for _, g := range groups {
		if err := c.sendControl(envelope.Subscribe(g.Topics, g.Networks), &c.subscribes); err != nil {
			c.logger.Warn("replay subscribe failed", "topics", g.Topics, "networks", g.Networks, "error", err)
		}
	}
	if len(groups) > 0 {
		c.replays.Add(1)
		c.logger.Info("subscriptions replayed", "groups", len(groups))
	}
	c.mu.Unlock()

	c.onOpen.Emit(struct{}{})
}

func (c *Channel) handleClose(ev connection.CloseEvent) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()

	if c.disposed.Load() {
		return
	}
	c.onClose.Emit(ev)
}

func (c *Channel) handleMessage(msg connection.TimestampedMessage) {
	if c.disposed.Load() {
		return
	}
	in := envelope.Decode(msg.Data, msg.ReceivedAt)
	if in.Malformed {
		c.malformed.Add(1)
		c.logger.Debug("malformed inbound frame, delivering raw", "size", len(in.Raw))
	}
	c.onMessage.Emit(in)
}

func (c *Channel) handleError(err error) {
	if c.disposed.Load() {
		return
	}
	c.onError.Emit(err)
}

func (c *Channel) handleReconnect(ev connection.ReconnectEvent) {
	if c.disposed.Load() {
		return
	}
	c.onReconnect.Emit(ev)
}
