package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rickgao/trade-channel/internal/envelope"
	"github.com/rickgao/trade-channel/internal/listener"
)

const eventQueueSize = 256

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock replaces the clock used for reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// Manager owns one physical connection to one endpoint and applies the
// reconnect policy on abnormal closure.
//
// All state transitions and listener calls happen on a single event-loop
// goroutine, so listeners of one Manager never run concurrently. Dials and
// reads run on helper goroutines that post their results back into the loop.
// Public methods never block on the network.
type Manager struct {
	endpoint Endpoint
	origin   *url.URL
	policy   Policy
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger
	backoff  *backoff.ExponentialBackOff

	// Aborts in-flight dials on Dispose
	ctx    context.Context
	cancel context.CancelFunc

	// Event loop
	events      chan func()
	stop        chan struct{}

	// Control operations bypass events so a listener can call them while
	// the events queue is full.
	ctrlMu sync.Mutex
	ctrl   []func()
	wake   chan struct{}
	done        chan struct{}
	disposeOnce sync.Once
	owned       atomic.Bool

	// Loop-owned, never touched outside the loop
	gen        uint64 // Bumped per dial and per manual close, stale events are dropped
	url        string
	manual     bool
	disposed   bool
	timer      *clock.Timer
	timerToken uint64
	lastClose  CloseEvent

	// Written by the loop, read by callers
	mu        sync.RWMutex
	state     State
	conn      Conn
	attempts  int
	exhausted bool

	// Stats
	opens           atomic.Int64
	closes          atomic.Int64
	received        atomic.Int64
	sent            atomic.Int64
	sendWhileClosed atomic.Int64
	transportErrors atomic.Int64

	onOpen      *listener.Set[struct{}]
	onMessage   *listener.Set[TimestampedMessage]
	onClose     *listener.Set[CloseEvent]
	onError     *listener.Set[error]
	onState     *listener.Set[StateChange]
	onReconnect *listener.Set[ReconnectEvent]
}

// NewManager creates a Connection Manager in StateIdle. It does not connect.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	origin, err := ParseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	if endpoint.IsPath() && origin == nil {
		return nil, fmt.Errorf("endpoint %q: %w", endpoint, ErrNoOrigin)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconnect policy: %w", err)
	}

	logger = logger.With("endpoint", endpoint.String())
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		endpoint: endpoint,
		origin:   origin,
		policy:   cfg.Policy,
		logger:   logger,
		backoff:  newBackOff(cfg.Policy),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), eventQueueSize),
		stop:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    StateIdle,

		onOpen:      listener.NewSet[struct{}]("open", logger),
		onMessage:   listener.NewSet[TimestampedMessage]("message", logger),
		onClose:     listener.NewSet[CloseEvent]("close", logger),
		onError:     listener.NewSet[error]("error", logger),
		onState:     listener.NewSet[StateChange]("state", logger),
		onReconnect: listener.NewSet[ReconnectEvent]("reconnect", logger),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.dialer == nil {
		transport := cfg.Transport
		if cfg.SubscriptionID != "" {
			header := transport.Header.Clone()
			if header == nil {
				header = make(map[string][]string)
			}
			header.Set("X-Subscription-Id", cfg.SubscriptionID)
			transport.Header = header
		}
		m.dialer = NewDialer(transport, logger)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}

	go m.run()

	return m, nil
}

// OnOpen registers fn to run after each transition to StateOpen.
func (m *Manager) OnOpen(fn func()) (remove func()) {
	if fn == nil {
		return func() {}
	}
	return m.onOpen.Add(func(struct{}) { fn() })
}

// OnMessage registers fn for every inbound frame, in arrival order.
func (m *Manager) OnMessage(fn func(TimestampedMessage)) (remove func()) {
	return m.onMessage.Add(fn)
}

// OnClose registers fn for every transition to StateClosed.
func (m *Manager) OnClose(fn func(CloseEvent)) (remove func()) {
	return m.onClose.Add(fn)
}

// OnError registers fn for transport failures and reconnect exhaustion.
func (m *Manager) OnError(fn func(error)) (remove func()) {
	return m.onError.Add(fn)
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) (remove func()) {
	return m.onState.Add(fn)
}

// OnReconnectScheduled registers fn for every scheduled reconnection attempt.
func (m *Manager) OnReconnectScheduled(fn func(ReconnectEvent)) (remove func()) {
	return m.onReconnect.Add(fn)
}

// Claim marks the Manager as owned. Only one owner may replay subscription
// state over a Manager, so a second Claim fails with ErrAlreadyOwned.
func (m *Manager) Claim() error {
	if !m.owned.CompareAndSwap(false, true) {
		return ErrAlreadyOwned
	}
	return nil
}

// Connect opens the channel unless it is already connecting or open.
// It clears a previous manual close.
func (m *Manager) Connect() {
	m.control(func() {
		if m.disposed {
			return
		}
		m.manual = false
		m.connect()
	})
}

// Disconnect closes the channel with reason manual. It never schedules a
// reconnection and cancels any that is pending.
func (m *Manager) Disconnect() {
	m.control(func() {
		if m.disposed {
			return
		}
		m.disconnect()
	})
}

// Reconnect resets the reconnect counter and connects, regardless of
// backoff state. It is the way out of exhaustion.
func (m *Manager) Reconnect() {
	m.control(func() {
		if m.disposed {
			return
		}
		m.mu.Lock()
		m.attempts = 0
		m.exhausted = false
		m.mu.Unlock()
		m.backoff.Reset()
		m.manual = false
		m.cancelTimer()
		m.connect()
	})
}

// Dispose stops pending reconnect timers, closes the connection and stops
// the event loop. Timers that fire afterwards are ignored. Safe to call
// more than once and from listeners.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.control(func() {
			m.disconnect()
			m.disposed = true
			m.cancel()
			close(m.stop)
			m.logger.Debug("connection manager disposed")
		})
	})
}

// Done is closed once the event loop has exited after Dispose.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send encodes env and writes it immediately. It returns ErrNotConnected
// without transmitting anything when the state is not open. Nothing is queued.
func (m *Manager) Send(env envelope.Envelope) error {
	m.mu.RLock()
	state, conn := m.state, m.conn
	m.mu.RUnlock()

	if state != StateOpen || conn == nil {
		m.sendWhileClosed.Add(1)
		m.logger.Debug("send while not open", "state", state, "type", env.Type)
		return ErrNotConnected
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	if err := conn.Send(data); err != nil {
		m.transportErrors.Add(1)
		return &TransportError{Op: "send", URL: m.endpoint.String(), Err: err}
	}
	m.sent.Add(1)
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts returns the reconnect counter.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Remaining returns how many reconnect attempts the policy still allows.
func (m *Manager) Remaining() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() int {
	if n := m.policy.MaxAttempts - m.attempts; n > 0 {
		return n
	}
	return 0
}

// Exhausted reports whether reconnection gave up. Only Reconnect clears it.
func (m *Manager) Exhausted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exhausted
}

// Endpoint returns the configured endpoint.
func (m *Manager) Endpoint() Endpoint {
	return m.endpoint
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		State:            m.state,
		Attempts:         m.attempts,
		Remaining:        m.remainingLocked(),
		Exhausted:        m.exhausted,
		Opens:            m.opens.Load(),
		Closes:           m.closes.Load(),
		MessagesReceived: m.received.Load(),
		MessagesSent:     m.sent.Load(),
		SendWhileClosed:  m.sendWhileClosed.Load(),
		TransportErrors:  m.transportErrors.Load(),
	}
}

// run is the event loop. Pending control operations always run before the
// next queued event.
func (m *Manager) run() {
	defer close(m.done)

	for {
		m.runControl()

		select {
		case <-m.stop:
			return
		default:
		}

		select {
		case <-m.wake:
		case fn := <-m.events:
			fn()
		case <-m.stop:
			return
		}
	}
}

// runControl runs control operations until none are pending.
func (m *Manager) runControl() {
	for {
		m.ctrlMu.Lock()
		ops := m.ctrl
		m.ctrl = nil
		m.ctrlMu.Unlock()

		if len(ops) == 0 {
			return
		}
		for _, fn := range ops {
			fn()
		}
	}
}

// control queues fn ahead of pending events. It never blocks, so it is safe
// to call from listeners running on the loop. It reports false once the
// loop is gone.
func (m *Manager) control(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	m.ctrlMu.Lock()
	m.ctrl = append(m.ctrl, fn)
	m.ctrlMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// post queues fn on the event loop. It reports false once the loop is gone.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) setState(to State, reason CloseReason) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	if to != StateClosed {
		reason = ""
	}
	m.logger.Debug("state change", "from", from, "to", to, "reason", reason)
	m.onState.Emit(StateChange{From: from, To: to, Reason: reason})
}

func (m *Manager) connect() {
	state := m.State()
	if state == StateConnecting || state == StateOpen {
		return
	}
	m.cancelTimer()

	addr, err := m.endpoint.Resolve(m.origin)
	if err != nil {
		m.transportErrors.Add(1)
		terr := &TransportError{Op: "dial", URL: m.endpoint.String(), Err: err}
		m.logger.Error("resolve endpoint failed", "error", err)
		m.onError.Emit(terr)
		m.closed(CloseEvent{
			Reason: CloseError,
			Code:   websocket.CloseAbnormalClosure,
			Err:    terr,
		})
		return
	}

	m.gen++
	gen := m.gen
	m.url = addr
	m.setState(StateConnecting, "")

	m.logger.Info("connecting", "url", addr, "attempt", m.Attempts())

	go m.dial(gen, addr)
}

func (m *Manager) dial(gen uint64, addr string) {
	conn, err := m.dialer.Dial(m.ctx, addr)
	posted := m.post(func() {
		m.handleDial(gen, conn, err)
	})
	if !posted && conn != nil {
		_ = conn.Close(websocket.CloseGoingAway, "disposed")
	}
}

func (m *Manager) handleDial(gen uint64, conn Conn, err error) {
	if m.disposed || gen != m.gen {
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}

	if err != nil {
		m.transportErrors.Add(1)
		terr := &TransportError{Op: "dial", URL: m.url, Err: err}
		m.logger.Warn("dial failed", "url", m.url, "error", err)
		m.onError.Emit(terr)
		m.closed(CloseEvent{
			Reason: CloseError,
			Code:   websocket.CloseAbnormalClosure,
			Err:    terr,
		})
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.attempts = 0
	m.exhausted = false
	m.mu.Unlock()
	m.backoff.Reset()
	m.opens.Add(1)

	go m.readLoop(gen, conn)

	m.setState(StateOpen, "")
	m.logger.Info("connected", "url", m.url)
	m.onOpen.Emit(struct{}{})
}

// readLoop forwards frames from conn into the event loop until conn fails.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			m.post(func() {
				m.handleReadError(gen, err)
			})
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: time.Now(),
		}
		posted := m.post(func() {
			m.handleMessage(gen, msg)
		})
		if !posted {
			return
		}
	}
}

func (m *Manager) handleMessage(gen uint64, msg TimestampedMessage) {
	if m.disposed || gen != m.gen {
		return
	}
	m.received.Add(1)
	m.onMessage.Emit(msg)
}

func (m *Manager) handleReadError(gen uint64, err error) {
	if m.disposed || gen != m.gen {
		return
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}

	ev := classifyClose(err)
	if ev.Reason == CloseError {
		m.transportErrors.Add(1)
		terr := &TransportError{Op: "read", URL: m.url, Err: err}
		ev.Err = terr
		m.logger.Warn("connection lost", "url", m.url, "error", err)
		m.onError.Emit(terr)
	} else {
		m.logger.Info("connection closed by peer", "url", m.url, "code", ev.Code, "text", ev.Text)
	}

	m.closed(ev)
}

// classifyClose maps a read failure to a closure. A close frame from the
// peer is a remote closure; anything else, including 1006, is an error.
func classifyClose(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return CloseEvent{
			Reason: CloseRemote,
			Code:   ce.Code,
			Text:   ce.Text,
			Err:    err,
		}
	}
	return CloseEvent{
		Reason: CloseError,
		Code:   websocket.CloseAbnormalClosure,
		Err:    err,
	}
}

// closed records an abnormal closure and applies the reconnect policy.
func (m *Manager) closed(ev CloseEvent) {
	m.lastClose = ev
	m.setState(StateClosed, ev.Reason)
	m.closes.Add(1)
	m.onClose.Emit(ev)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	// Listeners above may have disconnected or disposed; check again here.
	if m.disposed || m.manual || !m.policy.Enabled || m.timer != nil {
		return
	}
	if s := m.State(); s == StateConnecting || s == StateOpen {
		return
	}

	m.mu.Lock()
	if m.attempts >= m.policy.MaxAttempts {
		m.exhausted = true
		attempts := m.attempts
		m.mu.Unlock()

		err := &ExhaustedError{Attempts: attempts, Last: m.lastClose}
		m.logger.Error("reconnect attempts exhausted, manual reconnect required",
			"attempts", attempts,
			"max_attempts", m.policy.MaxAttempts,
		)
		m.onError.Emit(err)
		return
	}
	m.attempts++
	attempt := m.attempts
	remaining := m.remainingLocked()
	m.mu.Unlock()

	delay := m.backoff.NextBackOff()

	m.timerToken++
	token := m.timerToken
	m.timer = m.clock.AfterFunc(delay, func() {
		m.control(func() {
			m.fireReconnect(token)
		})
	})

	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"delay", delay,
		"remaining", remaining,
	)
	m.onReconnect.Emit(ReconnectEvent{
		Attempt:   attempt,
		Delay:     delay,
		Remaining: remaining,
	})
}

func (m *Manager) fireReconnect(token uint64) {
	if m.disposed || m.timer == nil || token != m.timerToken {
		return
	}
	m.timer = nil
	if m.manual {
		return
	}
	m.connect()
}

func (m *Manager) cancelTimer() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.timerToken++
}

func (m *Manager) disconnect() {
	m.manual = true
	m.cancelTimer()

	switch m.State() {
	case StateIdle, StateClosed, StateClosing:
		return
	}

	// Drop the in-flight dial or read loop of the current connection.
	m.gen++
	m.setState(StateClosing, "")

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.CloseNormalClosure, "manual"); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			m.logger.Debug("close failed", "error", err)
		}
	}

	ev := CloseEvent{Reason: CloseManual, Code: websocket.CloseNormalClosure}
	m.lastClose = ev
	m.setState(StateClosed, CloseManual)
	m.closes.Add(1)
	m.logger.Info("disconnected")
	m.onClose.Emit(ev)
}
