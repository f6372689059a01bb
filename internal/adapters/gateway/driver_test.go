package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
	"github.com/tallyline-io/courier/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeGateway runs a scripted gateway endpoint. The handler receives
// every client frame and writes replies on the same socket.
type fakeGateway struct {
	t       *testing.T
	server  *httptest.Server
	onFrame func(conn *websocket.Conn, f frame)
	greet   frame

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  []string
}

func newFakeGateway(t *testing.T, greet frame, onFrame func(conn *websocket.Conn, f frame)) *fakeGateway {
	g := &fakeGateway{t: t, greet: greet, onFrame: onFrame}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.auth = append(g.auth, r.Header.Get("Authorization"))
		g.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		if err := conn.WriteJSON(g.greet); err != nil {
			return
		}
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if g.onFrame != nil {
				g.onFrame(conn, f)
			}
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) conn() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

func waitEvent(t *testing.T, events <-chan ports.DriverEvent, kind ports.DriverEventKind) ports.DriverEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true}, nil)
	d := New(gw.url(), "secret-token", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !d.Connected() {
		t.Fatal("driver should report connected")
	}
	if !d.LoggedIn() {
		t.Fatal("driver should report logged in")
	}
	waitEvent(t, d.Events(), ports.EventConnected)

	gw.mu.Lock()
	auth := gw.auth[0]
	gw.mu.Unlock()
	if auth != "Bearer secret-token" {
		t.Fatalf("authorization header = %q", auth)
	}
}

func TestSendCorrelatesAck(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true},
		func(conn *websocket.Conn, f frame) {
			if f.Type != frameSend {
				return
			}
			if f.Recipient != "+62812000111" || f.Content != "daily report" {
				conn.WriteJSON(frame{Type: frameError, ID: f.ID, Error: "bad frame"})
				return
			}
			conn.WriteJSON(frame{Type: frameAck, ID: f.ID, MessageID: "3EB0-AA12", Timestamp: 1756512000000})
		})
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ack, err := d.Send(context.Background(), "+62812000111", "daily report")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.MessageID != "3EB0-AA12" {
		t.Fatalf("message id = %q", ack.MessageID)
	}
	if ack.Timestamp.UnixMilli() != 1756512000000 {
		t.Fatalf("timestamp = %v", ack.Timestamp)
	}
}

func TestSendErrorFrameSurfacesAsError(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true},
		func(conn *websocket.Conn, f frame) {
			conn.WriteJSON(frame{Type: frameError, ID: f.ID, Error: "recipient unknown"})
		})
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := d.Send(context.Background(), "+000", "x"); err == nil {
		t.Fatal("expected error for rejected send")
	}
}

func TestSendWithoutConnectFails(t *testing.T) {
	d := New("ws://127.0.0.1:1/ws", "", log.NewNoopLogger())
	if _, err := d.Send(context.Background(), "+62812000111", "x"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestPairPhoneReturnsCode(t *testing.T) {
	var got frame
	var mu sync.Mutex
	gw := newFakeGateway(t, frame{Type: frameConnected},
		func(conn *websocket.Conn, f frame) {
			mu.Lock()
			got = f
			mu.Unlock()
			conn.WriteJSON(frame{Type: framePairCode, ID: f.ID, Code: "ABCD-1234"})
		})
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	code, err := d.PairPhone(context.Background(), "628120001111", ports.PairingOptions{
		RegenerateEvery:  3 * time.Minute,
		ShowNotification: true,
	})
	if err != nil {
		t.Fatalf("PairPhone: %v", err)
	}
	if code != "ABCD-1234" {
		t.Fatalf("code = %q", code)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Phone != "628120001111" || !got.Notify || got.RegenMS != 180000 {
		t.Fatalf("pair frame = %+v", got)
	}
}

func TestInboundMessageBecomesEvent(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true}, nil)
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gw.conn().WriteJSON(frame{Type: frameMessage, Sender: "+62811", Content: "TOTAL", Timestamp: 1756512000000})

	ev := waitEvent(t, d.Events(), ports.EventMessage)
	if ev.Message.Sender != "+62811" || ev.Message.Content != "TOTAL" {
		t.Fatalf("message = %+v", ev.Message)
	}
}

func TestServerCloseEmitsDisconnected(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true}, nil)
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, d.Events(), ports.EventConnected)

	gw.conn().Close()
	waitEvent(t, d.Events(), ports.EventDisconnected)
	if d.Connected() {
		t.Fatal("driver should report disconnected")
	}
}

func TestLoggedOutFrameClearsLogin(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected, LoggedIn: true}, nil)
	d := New(gw.url(), "", log.NewNoopLogger())
	defer d.Disconnect()

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	gw.conn().WriteJSON(frame{Type: frameLoggedOut})
	waitEvent(t, d.Events(), ports.EventLoggedOut)
	if d.LoggedIn() {
		t.Fatal("driver should report logged out")
	}
}

func TestDisconnectClosesEventChannel(t *testing.T) {
	gw := newFakeGateway(t, frame{Type: frameConnected}, nil)
	d := New(gw.url(), "", log.NewNoopLogger())

	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.Disconnect()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-d.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after Disconnect")
		}
	}
}
