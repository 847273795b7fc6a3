package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantrail/norenfeed/internal/session"
)

// Manager owns one logical connection to the push feed: transport
// lifecycle, authentication, heartbeats, reconnection, and subscription
// replay. Managers are independent; two instances share nothing.
//
// Connect, Disconnect, Subscribe, and the transport callbacks may run
// concurrently. A single mutex guards the state, transport handle,
// reconnect counter, registry, and callback slots; callbacks are always
// invoked outside the lock.
type Manager struct {
	cfg    Config
	creds  session.Credentials
	dialer Dialer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	gen       int // transport generation; events from released transports are ignored
	manual    bool
	attempts  int
	lastErr   error
	retry     *time.Timer
	hbStop    chan struct{}
	subs      *registry

	onData   DataFunc
	onOrder  OrderFunc
	onStatus StatusFunc
}

// NewManager creates a connection manager. The credentials are opaque to
// the manager and never mutated.
func NewManager(cfg Config, creds session.Credentials, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			Logger:           logger,
		}
	}

	return &Manager{
		cfg:    cfg,
		creds:  creds,
		dialer: dialer,
		logger: logger,
		state:  StateIdle,
		subs:   newRegistry(),
	}
}

// OnData registers the market-data callback, replacing any previous one.
func (m *Manager) OnData(cb DataFunc) {
	m.mu.Lock()
	m.onData = cb
	m.mu.Unlock()
}

// OnOrder registers the order-event callback, replacing any previous one.
func (m *Manager) OnOrder(cb OrderFunc) {
	m.mu.Lock()
	m.onOrder = cb
	m.mu.Unlock()
}

// OnStatus registers the lifecycle status callback, replacing any
// previous one.
func (m *Manager) OnStatus(cb StatusFunc) {
	m.mu.Lock()
	m.onStatus = cb
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport or reconnection error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscriptions returns the registered subscription keys, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs.snapshot()
}

// Connect opens the transport and authenticates. A call while a connect
// is already in flight (or the connection is open) is a no-op. Calling
// Connect after the reconnect budget was exhausted resets the counter
// and starts over.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.manual = false
	m.attempts = 0
	m.stopRetryLocked()
	m.mu.Unlock()

	return m.connect(ctx)
}

// connect is the shared connect path for Connect and reconnect attempts.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.notify(StatusConnecting)

	tr, err := m.dialer.Dial(ctx, m.cfg.URL, Events{
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, err) },
		OnClose:   func(code int, reason string) { m.handleClose(gen, code, reason) },
	})
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.lastErr = err
		manual := m.manual
		m.mu.Unlock()

		m.notify(StatusDisconnected)
		if !manual {
			m.scheduleReconnect()
		}
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.manual || gen != m.gen {
		// Disconnect raced the dial, or the transport already closed
		// underneath us. Release it without taking ownership.
		m.state = StateClosed
		m.mu.Unlock()
		tr.Close()
		return ErrClosed
	}
	m.transport = tr
	m.state = StateOpen
	m.attempts = 0
	replay := ""
	replayCount := 0
	if m.subs.len() > 0 {
		replay = m.subs.wire()
		replayCount = m.subs.len()
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()

	// Auth is fire-and-forget: the server acks with a "ck" frame but the
	// protocol has no wait-for-ack step.
	if err := m.sendJSON(tr, connectFrame{
		T:            KindConnect,
		UID:          m.creds.UserID,
		AccountID:    m.creds.AccountID,
		SessionToken: m.creds.Token,
	}); err != nil {
		m.logger.Warn("auth frame send failed", "error", err)
	}

	go m.heartbeatLoop(tr, stop)

	if replay != "" {
		if err := m.sendJSON(tr, subscribeFrame{T: KindSubscribe, K: replay}); err != nil {
			m.logger.Warn("subscription replay failed", "error", err)
		} else {
			m.logger.Info("subscriptions replayed", "keys", replayCount)
		}
	}

	m.logger.Info("connected", "url", m.cfg.URL)
	m.notify(StatusConnected)
	return nil
}

// Disconnect closes the connection and suppresses any further reconnect
// attempts, including a pending backoff timer. Idempotent and safe to
// call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.stopRetryLocked()
	tr := m.transport
	if tr == nil {
		if m.state != StateIdle {
			m.state = StateClosed
		}
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	m.stopHeartbeatLocked()
	m.transport = nil
	m.mu.Unlock()

	// handleClose completes the transition to Closed.
	tr.Close()
}

// Subscribe registers the instruments and sends the full current key set
// to the server. Already-present keys are no-ops; the outbound frame
// always re-asserts the entire registry, not just the new keys.
func (m *Manager) Subscribe(instruments []Instrument) error {
	if len(instruments) == 0 {
		return ErrNoInstruments
	}

	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	added := 0
	for _, in := range instruments {
		if m.subs.add(in.Key()) {
			added++
		}
	}
	keys := m.subs.wire()
	total := m.subs.len()
	tr := m.transport
	m.mu.Unlock()

	m.logger.Debug("subscribing", "new", added, "total", total)
	return m.sendJSON(tr, subscribeFrame{T: KindSubscribe, K: keys})
}

// Unsubscribe removes the instruments from the registry, tells the
// server to drop them, and re-asserts the reduced set. Keys that were
// never subscribed are ignored.
func (m *Manager) Unsubscribe(instruments []Instrument) error {
	if len(instruments) == 0 {
		return ErrNoInstruments
	}

	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	removed := make([]string, 0, len(instruments))
	for _, in := range instruments {
		if m.subs.remove(in.Key()) {
			removed = append(removed, in.Key())
		}
	}
	remaining := ""
	if m.subs.len() > 0 {
		remaining = m.subs.wire()
	}
	tr := m.transport
	m.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)

	if err := m.sendJSON(tr, subscribeFrame{T: KindUnsubscribe, K: strings.Join(removed, "#")}); err != nil {
		return err
	}
	if remaining != "" {
		return m.sendJSON(tr, subscribeFrame{T: KindSubscribe, K: remaining})
	}
	return nil
}

// handleMessage dispatches an inbound frame from the current transport.
func (m *Manager) handleMessage(gen int, data []byte) {
	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}
	m.dispatch(data)
}

// dispatch classifies a frame by its discriminant and routes it. A frame
// that fails to decode is discarded and logged; it never tears down the
// connection.
func (m *Manager) dispatch(data []byte) {
	kind, ok := parseKind(data)
	if !ok {
		m.logger.Warn("discarding malformed frame", "size", len(data))
		return
	}

	switch {
	case isDataKind(kind):
		var tick Tick
		if err := json.Unmarshal(data, &tick); err != nil {
			m.logger.Warn("discarding malformed tick", "kind", kind, "error", err)
			return
		}
		m.mu.Lock()
		cb := m.onData
		m.mu.Unlock()
		if cb != nil {
			cb(tick)
		}

	case kind == KindOrderUpdate:
		var ou OrderUpdate
		if err := json.Unmarshal(data, &ou); err != nil {
			m.logger.Warn("discarding malformed order update", "error", err)
			return
		}
		m.mu.Lock()
		cb := m.onOrder
		m.mu.Unlock()
		if cb != nil {
			cb(ou)
		}

	case kind == KindConnectAck:
		m.logger.Info("session acknowledged by feed")

	default:
		m.logger.Debug("unhandled frame kind", "kind", kind)
	}
}

// handleError records a transport error. The transport guarantees a
// close event follows, which drives the actual state change.
func (m *Manager) handleError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	m.mu.Unlock()

	m.logger.Warn("transport error", "error", err)
}

// handleClose finishes the lifecycle of one transport and, for
// unexpected drops, kicks off reconnection.
func (m *Manager) handleClose(gen int, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++ // invalidate any stragglers from this transport
	m.stopHeartbeatLocked()
	m.transport = nil
	manual := m.manual || m.state == StateClosing
	m.state = StateClosed
	m.mu.Unlock()

	m.logger.Info("disconnected", "code", code, "reason", reason, "manual", manual)
	m.notify(StatusDisconnected)

	if !manual {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the fixed-backoff timer for the next attempt,
// or surfaces exhaustion once the attempt budget is spent.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manual || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.lastErr = ErrReconnectExhausted
		m.mu.Unlock()

		m.logger.Error("giving up on reconnection", "attempts", m.cfg.MaxReconnectAttempts)
		m.notify(StatusReconnectExhausted)
		return
	}
	m.attempts++
	attempt := m.attempts
	m.retry = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		manual := m.manual
		m.mu.Unlock()
		if manual {
			return
		}
		m.logger.Info("reconnecting", "attempt", attempt, "max", m.cfg.MaxReconnectAttempts)
		// A dial failure reschedules from inside connect.
		m.connect(context.Background())
	})
	m.mu.Unlock()
}

// heartbeatLoop emits keep-alive frames while tr is the open transport.
// It exits the moment the manager state leaves Open so no frame is ever
// written to a released transport.
func (m *Manager) heartbeatLoop(tr Transport, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	frame, _ := json.Marshal(heartbeatFrame{T: KindHeartbeat})

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			open := m.state == StateOpen && m.transport == tr
			m.mu.Unlock()
			if !open {
				return
			}
			if err := tr.Send(frame); err != nil {
				m.logger.Warn("heartbeat send failed", "error", err)
			}
		}
	}
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) sendJSON(tr Transport, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

func (m *Manager) notify(s Status) {
	m.mu.Lock()
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
