package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is an open bidirectional message connection. Implementations
// must serialize concurrent Send calls and make Close idempotent.
type Transport interface {
	// Send writes one text frame to the connection.
	Send(data []byte) error

	// Close tears down the connection. Events.OnClose fires exactly once,
	// whether the close was local or remote.
	Close() error
}

// Events carries transport lifecycle callbacks. OnError, when it fires,
// is always followed by OnClose.
type Events struct {
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Dialer opens transports. The zero event callbacks are allowed and
// simply ignored.
type Dialer interface {
	Dial(ctx context.Context, url string, ev Events) (Transport, error)
}

// WebsocketDialer dials Noren WebSocket endpoints.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the WebSocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout is the per-frame write deadline. Zero means 5s.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Dial opens a WebSocket connection and starts its read loop. The returned
// transport delivers inbound frames and closure through ev.
func (d *WebsocketDialer) Dial(ctx context.Context, url string, ev Events) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshake,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	t := &wsTransport{
		conn:         conn,
		ev:           ev,
		writeTimeout: writeTimeout,
		logger:       logger,
	}

	go t.readLoop()

	logger.Debug("websocket connected", "url", url)
	return t, nil
}

// wsTransport wraps one gorilla connection.
type wsTransport struct {
	conn         *websocket.Conn
	ev           Events
	writeTimeout time.Duration
	logger       *slog.Logger

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Send writes one text frame.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the connection. Safe to call more than once.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// readLoop reads frames until the connection drops, then reports closure.
func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			local := t.markClosed()
			if !local {
				// Remote failure: error first, then the guaranteed close.
				if t.ev.OnError != nil {
					t.ev.OnError(err)
				}
				t.conn.Close()
			}
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			if t.ev.OnClose != nil {
				t.ev.OnClose(code, reason)
			}
			return
		}

		if t.ev.OnMessage != nil {
			t.ev.OnMessage(data)
		}
	}
}

// markClosed records closure and reports whether Close had already been
// called locally.
func (t *wsTransport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return true
	}
	t.closed = true
	return false
}
