package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func testWSURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketDialer_SendReceive(t *testing.T) {
	var mu sync.Mutex
	var serverGot []byte

	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Echo one inbound frame, then push one of our own.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		serverGot = msg
		mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck"}`))
		time.Sleep(time.Second)
	})
	defer server.Close()

	msgCh := make(chan []byte, 10)
	d := &WebsocketDialer{WriteTimeout: time.Second}
	tr, err := d.Dial(context.Background(), testWSURL(server), Events{
		OnMessage: func(data []byte) { msgCh <- data },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	if err := tr.Send([]byte(`{"t":"h"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-msgCh:
		if string(got) != `{"t":"ck"}` {
			t.Errorf("received %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(serverGot) != `{"t":"h"}` {
		t.Errorf("server received %q", serverGot)
	}
}

func TestWebsocketDialer_RemoteCloseFiresOnClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second),
		)
	})
	defer server.Close()

	closeCh := make(chan int, 1)
	d := &WebsocketDialer{}
	tr, err := d.Dial(context.Background(), testWSURL(server), Events{
		OnClose: func(code int, reason string) { closeCh <- code },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	select {
	case code := <-closeCh:
		if code != websocket.CloseGoingAway {
			t.Errorf("close code = %d, want %d", code, websocket.CloseGoingAway)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close event")
	}
}

func TestWebsocketDialer_LocalCloseOnceAndSilent(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var errs int
	closeCh := make(chan struct{}, 2)

	d := &WebsocketDialer{}
	tr, err := d.Dial(context.Background(), testWSURL(server), Events{
		OnError: func(err error) {
			mu.Lock()
			errs++
			mu.Unlock()
		},
		OnClose: func(code int, reason string) { closeCh <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	select {
	case <-closeCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close event")
	}

	// Locally initiated closes report no transport error.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if errs != 0 {
		t.Errorf("OnError fired %d times for a local close", errs)
	}

	select {
	case <-closeCh:
		t.Error("OnClose fired twice")
	default:
	}

	if err := tr.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send after close = %v, want ErrNotConnected", err)
	}
}

func TestWebsocketDialer_DialFailure(t *testing.T) {
	d := &WebsocketDialer{HandshakeTimeout: 200 * time.Millisecond}
	if _, err := d.Dial(context.Background(), "ws://127.0.0.1:1", Events{}); err == nil {
		t.Fatal("Dial to closed port succeeded")
	}
}

func TestManager_EndToEnd(t *testing.T) {
	// Full stack against a live WebSocket server: auth, subscribe, tick.
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Expect auth first.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !strings.Contains(string(msg), `"t":"c"`) {
			t.Errorf("first frame = %s, want auth", msg)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"t":"ck","uid":"FA1234","s":"OK"}`))

		// Expect subscribe, answer with a snapshot.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), `"t":"t"`) {
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"t":"tk","e":"NSE","tk":"22","lp":"101.50"}`))
			}
		}
	})
	defer server.Close()

	tickCh := make(chan Tick, 1)
	m := NewManager(Config{URL: testWSURL(server)}, testCreds(), nil)
	m.OnData(func(tk Tick) { tickCh <- tk })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	if err := m.Subscribe([]Instrument{{Exchange: "NSE", Token: "22"}}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case tick := <-tickCh:
		if tick.Exchange != "NSE" || tick.Token != "22" || tick.LastPrice != "101.50" {
			t.Errorf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for tick")
	}
}
