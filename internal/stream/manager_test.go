package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantrail/norenfeed/internal/session"
)

// fakeTransport records sent frames and lets tests fire transport events.
type fakeTransport struct {
	mu     sync.Mutex
	events Events
	sent   [][]byte
	closed bool
}

func (tr *fakeTransport) Send(data []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return errors.New("transport closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	tr.sent = append(tr.sent, buf)
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return nil
	}
	tr.closed = true
	tr.mu.Unlock()
	tr.events.OnClose(1000, "")
	return nil
}

// remoteClose simulates the server dropping the connection.
func (tr *fakeTransport) remoteClose(code int, reason string) {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return
	}
	tr.closed = true
	tr.mu.Unlock()
	tr.events.OnError(errors.New(reason))
	tr.events.OnClose(code, reason)
}

type sentFrame struct {
	T   string `json:"t"`
	K   string `json:"k"`
	UID string `json:"uid"`
	Act string `json:"actid"`
	Tok string `json:"susertoken"`
}

func (tr *fakeTransport) frames(t *testing.T) []sentFrame {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]sentFrame, 0, len(tr.sent))
	for _, raw := range tr.sent {
		var f sentFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("sent frame is not JSON: %q", raw)
		}
		out = append(out, f)
	}
	return out
}

// fakeDialer hands out fakeTransports, optionally failing some dials.
type fakeDialer struct {
	mu         sync.Mutex
	failFirst  int  // fail this many dials before succeeding
	failAll    bool // fail every dial
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string, events Events) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failAll || d.dials <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	tr := &fakeTransport{events: events}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func testCreds() session.Credentials {
	return session.Credentials{UserID: "FA1234", AccountID: "FA1234", Token: "tok-abc"}
}

func newTestManager(d Dialer, cfg Config) *Manager {
	cfg.URL = "ws://test"
	cfg.Dialer = d
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, testCreds(), logger)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectSendsAuth(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if m.State() != StateOpen {
		t.Errorf("state = %v, want open", m.State())
	}

	frames := d.transport(0).frames(t)
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	auth := frames[0]
	if auth.T != "c" {
		t.Errorf("first frame kind = %q, want c", auth.T)
	}
	if auth.UID != "FA1234" || auth.Act != "FA1234" || auth.Tok != "tok-abc" {
		t.Errorf("auth frame = %+v, want credential fields set", auth)
	}
}

func TestManager_ConnectWhileConnecting(t *testing.T) {
	d := &gateDialer{started: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(d, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Connect(context.Background()) }()

	<-d.started

	// Second Connect while the dial is in flight must be a no-op.
	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("concurrent Connect = %v, want nil", err)
	}

	close(d.release)
	if err := <-errCh; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_SubscribeValidation(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	if err := m.Subscribe(nil); !errors.Is(err, ErrNoInstruments) {
		t.Errorf("Subscribe(nil) = %v, want ErrNoInstruments", err)
	}
	if err := m.Subscribe([]Instrument{{Exchange: "NSE", Token: "22"}}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe before connect = %v, want ErrNotConnected", err)
	}
	if err := m.Unsubscribe([]Instrument{{Exchange: "NSE", Token: "22"}}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe before connect = %v, want ErrNotConnected", err)
	}
}

func TestManager_SubscribeSendsFullKeySet(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Subscribe([]Instrument{{Exchange: "NSE", Token: "26000"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := m.Subscribe([]Instrument{{Exchange: "NSE", Token: "22"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var subs []sentFrame
	for _, f := range d.transport(0).frames(t) {
		if f.T == "t" {
			subs = append(subs, f)
		}
	}
	if len(subs) != 2 {
		t.Fatalf("subscribe frames = %d, want 2", len(subs))
	}
	if subs[0].K != "NSE|26000" {
		t.Errorf("first subscribe key = %q, want NSE|26000", subs[0].K)
	}
	// Second subscribe re-asserts the whole registry, sorted.
	if subs[1].K != "NSE|22#NSE|26000" {
		t.Errorf("second subscribe key = %q, want NSE|22#NSE|26000", subs[1].K)
	}

	got := m.Subscriptions()
	if len(got) != 2 || got[0] != "NSE|22" || got[1] != "NSE|26000" {
		t.Errorf("Subscriptions() = %v", got)
	}
}

func TestManager_UnsubscribeReassertsRemainder(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Subscribe([]Instrument{
		{Exchange: "NSE", Token: "22"},
		{Exchange: "NSE", Token: "26000"},
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.Unsubscribe([]Instrument{{Exchange: "NSE", Token: "22"}}); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	frames := d.transport(0).frames(t)
	n := len(frames)
	if n < 2 {
		t.Fatalf("frames = %d, want at least 2", n)
	}
	if frames[n-2].T != "u" || frames[n-2].K != "NSE|22" {
		t.Errorf("unsubscribe frame = %+v, want u NSE|22", frames[n-2])
	}
	if frames[n-1].T != "t" || frames[n-1].K != "NSE|26000" {
		t.Errorf("reassert frame = %+v, want t NSE|26000", frames[n-1])
	}

	// Unsubscribing an unknown key sends nothing.
	before := len(d.transport(0).frames(t))
	if err := m.Unsubscribe([]Instrument{{Exchange: "BSE", Token: "999"}}); err != nil {
		t.Fatalf("Unsubscribe unknown failed: %v", err)
	}
	if after := len(d.transport(0).frames(t)); after != before {
		t.Errorf("frames grew from %d to %d on unknown unsubscribe", before, after)
	}
}

func TestManager_ReplayAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{ReconnectDelay: 10 * time.Millisecond})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Subscribe([]Instrument{
		{Exchange: "NSE", Token: "26000"},
		{Exchange: "NSE", Token: "22"},
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d.transport(0).remoteClose(1006, "abnormal closure")

	waitFor(t, time.Second, "reconnect", func() bool {
		return d.dialCount() == 2 && m.State() == StateOpen
	})

	frames := d.transport(1).frames(t)
	if len(frames) < 2 {
		t.Fatalf("frames on new transport = %d, want at least 2", len(frames))
	}
	if frames[0].T != "c" {
		t.Errorf("first frame after reconnect = %q, want auth", frames[0].T)
	}

	var subs []sentFrame
	for _, f := range frames {
		if f.T == "t" {
			subs = append(subs, f)
		}
	}
	if len(subs) != 1 {
		t.Fatalf("replay frames = %d, want exactly 1", len(subs))
	}
	if subs[0].K != "NSE|22#NSE|26000" {
		t.Errorf("replay key set = %q, want NSE|22#NSE|26000", subs[0].K)
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{ReconnectDelay: 50 * time.Millisecond})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Drop the connection, then disconnect before the backoff timer fires.
	d.transport(0).remoteClose(1006, "abnormal closure")
	m.Disconnect()

	time.Sleep(150 * time.Millisecond)

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (reconnect must be cancelled)", got)
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v, want closed", m.State())
	}
}

func TestManager_ReconnectExhausted(t *testing.T) {
	d := &fakeDialer{failAll: true}
	m := newTestManager(d, Config{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	var mu sync.Mutex
	var statuses []Status
	m.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against failing dialer")
	}

	// Initial dial plus exactly two retries.
	waitFor(t, time.Second, "exhaustion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == StatusReconnectExhausted
	})
	if got := d.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if !errors.Is(m.LastError(), ErrReconnectExhausted) {
		t.Errorf("LastError = %v, want ErrReconnectExhausted", m.LastError())
	}

	// A fresh Connect resets the attempt budget.
	d.mu.Lock()
	d.failAll = false
	d.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after exhaustion failed: %v", err)
	}
	if m.State() != StateOpen {
		t.Errorf("state = %v, want open", m.State())
	}
}

func TestManager_Dispatch(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	var mu sync.Mutex
	var ticks []Tick
	var orders []OrderUpdate
	m.OnData(func(tk Tick) {
		mu.Lock()
		ticks = append(ticks, tk)
		mu.Unlock()
	})
	m.OnOrder(func(o OrderUpdate) {
		mu.Lock()
		orders = append(orders, o)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ev := d.transport(0).events

	ev.OnMessage([]byte(`{"t":"ck","uid":"FA1234","s":"OK"}`))
	ev.OnMessage([]byte(`{"t":"tk","e":"NSE","tk":"22","lp":"101.50","v":"1200"}`))
	ev.OnMessage([]byte(`not json at all`))
	ev.OnMessage([]byte(`{"no_discriminant":true}`))
	ev.OnMessage([]byte(`{"t":"df","e":"NSE","tk":"22","bp1":"101.45","bq1":"50"}`))
	ev.OnMessage([]byte(`{"t":"om","norenordno":"24012400000001","status":"COMPLETE","reporttype":"Fill"}`))

	mu.Lock()
	defer mu.Unlock()

	if len(ticks) != 2 {
		t.Fatalf("ticks = %d, want 2 (malformed frames must be discarded)", len(ticks))
	}
	if ticks[0].Kind != "tk" || ticks[0].LastPrice != "101.50" {
		t.Errorf("tick[0] = %+v", ticks[0])
	}
	if !ticks[1].IsDepth() || ticks[1].BidPrice != "101.45" {
		t.Errorf("tick[1] = %+v, want depth", ticks[1])
	}

	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	if orders[0].OrderNumber != "24012400000001" || orders[0].Status != "COMPLETE" {
		t.Errorf("order = %+v", orders[0])
	}

	// Malformed frames never bring the connection down.
	if m.State() != StateOpen {
		t.Errorf("state = %v, want open", m.State())
	}
}

func TestManager_Heartbeat(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{HeartbeatInterval: 20 * time.Millisecond})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	countBeats := func() int {
		n := 0
		for _, f := range d.transport(0).frames(t) {
			if f.T == "h" {
				n++
			}
		}
		return n
	}

	waitFor(t, time.Second, "heartbeats", func() bool { return countBeats() >= 2 })

	m.Disconnect()
	after := countBeats()
	time.Sleep(100 * time.Millisecond)
	if got := countBeats(); got != after {
		t.Errorf("heartbeats kept flowing after disconnect: %d -> %d", after, got)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, Config{})

	// Disconnect before any connect leaves the manager idle.
	m.Disconnect()
	if m.State() != StateIdle {
		t.Errorf("state = %v, want idle", m.State())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()
	m.Disconnect()
	if m.State() != StateClosed {
		t.Errorf("state = %v, want closed", m.State())
	}
}

func TestManager_DialFailureSchedulesReconnect(t *testing.T) {
	d := &fakeDialer{failFirst: 1}
	m := newTestManager(d, Config{ReconnectDelay: 10 * time.Millisecond})

	// The synchronous error still surfaces to the caller.
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded, want dial error")
	}

	// The retry succeeds in the background.
	waitFor(t, time.Second, "background reconnect", func() bool {
		return m.State() == StateOpen
	})
	if got := d.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

// gateDialer blocks Dial until released, for racing connects.
type gateDialer struct {
	fakeDialer
	started chan struct{}
	release chan struct{}
}

func (d *gateDialer) Dial(ctx context.Context, url string, events Events) (Transport, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	<-d.release
	return d.fakeDialer.Dial(ctx, url, events)
}
