package stream

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrNoInstruments      = errors.New("no instruments given")
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")
	ErrClosed             = errors.New("connection manually closed")
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

// String returns the lowercase state name for logging.
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
	}
	return "unknown"
}

// Status is reported to the status callback on lifecycle transitions.
type Status string

const (
	StatusConnecting         Status = "connecting"
	StatusConnected          Status = "connected"
	StatusDisconnected       Status = "disconnected"
	StatusReconnectExhausted Status = "reconnect_exhausted"
)

// Instrument identifies one streamable instrument.
type Instrument struct {
	Exchange string
	Token    string
}

// Key returns the subscription key, "EXCH|TOKEN".
func (i Instrument) Key() string {
	return i.Exchange + "|" + i.Token
}

// Callback slots. Registering replaces any previous callback of the same
// kind; the manager is single-subscriber and callers needing fan-out wrap
// these themselves.
type (
	DataFunc   func(Tick)
	OrderFunc  func(OrderUpdate)
	StatusFunc func(Status)
)

// Config configures a Manager.
type Config struct {
	URL string // WebSocket URL of the push feed

	HeartbeatInterval    time.Duration // keep-alive period while open
	ReconnectDelay       time.Duration // fixed wait before each reconnect attempt
	MaxReconnectAttempts int           // reconnect attempts before giving up

	HandshakeTimeout time.Duration // WebSocket handshake bound
	WriteTimeout     time.Duration // per-frame write deadline

	// Dialer overrides the transport factory. Nil means WebsocketDialer.
	Dialer Dialer
}

// DefaultConfig returns sensible defaults. The backoff is deliberately
// fixed rather than exponential, matching the feed's expected cadence.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    3 * time.Second,
		ReconnectDelay:       10 * time.Second,
		MaxReconnectAttempts: 10,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
}
