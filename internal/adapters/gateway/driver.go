// Package gateway implements ports.ChannelDriver against a JSON-framed
// websocket gateway that fronts the messaging platform.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

// Wire frame types. Every frame on the socket is one JSON object with a
// "type" discriminator; request frames carry an "id" echoed by the reply.
const (
	frameConnected   = "connected"
	frameAuth        = "authenticated"
	frameAuthFailure = "auth_failure"
	frameLoggedOut   = "logged_out"
	frameQR          = "qr"
	frameMessage     = "message"
	frameSend        = "send"
	frameAck         = "ack"
	framePair        = "pair"
	framePairCode    = "pair_code"
	frameError       = "error"
)

const (
	connectTimeout = 30 * time.Second
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 30 * time.Second
	eventBuffer    = 64
)

type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Notify    bool   `json:"notify,omitempty"`
	RegenMS   int64  `json:"regen_ms,omitempty"`
	Code      string `json:"code,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Error     string `json:"error,omitempty"`
	LoggedIn  bool   `json:"logged_in,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Driver speaks the gateway protocol over a single websocket. It owns
// the read loop and surfaces everything through the event channel;
// request frames (send, pair) are correlated to their replies by ID.
type Driver struct {
	url    string
	token  string
	logger ports.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	loggedIn  bool
	pending   map[string]chan frame
	ready     chan struct{}
	released  bool

	events    chan ports.DriverEvent
	closeOnce sync.Once
}

// New creates a driver for the gateway at url, authenticating with
// token on dial.
func New(url, token string, logger ports.Logger) *Driver {
	return &Driver{
		url:     url,
		token:   token,
		logger:  logger,
		pending: make(map[string]chan frame),
		events:  make(chan ports.DriverEvent, eventBuffer),
	}
}

// Connect implements ports.ChannelDriver. It dials the gateway and
// blocks until the gateway reports the session state or ctx expires.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return fmt.Errorf("gateway: driver released")
	}
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.url, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	ready := make(chan struct{})
	d.mu.Lock()
	d.conn = conn
	d.ready = ready
	d.mu.Unlock()

	go d.readLoop(conn)
	go d.keepalive(conn)

	select {
	case <-ready:
		return nil
	case <-dialCtx.Done():
		conn.Close()
		return fmt.Errorf("gateway handshake: %w", dialCtx.Err())
	}
}

// Disconnect implements ports.ChannelDriver. It releases the driver:
// the socket is closed and the event channel is closed once the read
// loop drains. A released driver cannot reconnect.
func (d *Driver) Disconnect() {
	d.mu.Lock()
	d.released = true
	conn := d.conn
	d.conn = nil
	d.connected = false
	d.mu.Unlock()

	if conn != nil {
		d.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		d.writeMu.Unlock()
		conn.Close()
	}
	d.closeOnce.Do(func() { close(d.events) })
}

// Connected implements ports.ChannelDriver.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// LoggedIn implements ports.ChannelDriver.
func (d *Driver) LoggedIn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loggedIn
}

// Events implements ports.ChannelDriver.
func (d *Driver) Events() <-chan ports.DriverEvent {
	return d.events
}

// Send implements ports.ChannelDriver. The message is written as a
// "send" frame and the call blocks for the matching ack.
func (d *Driver) Send(ctx context.Context, recipient, content string) (domain.Ack, error) {
	reply, err := d.request(ctx, frame{
		Type:      frameSend,
		ID:        uuid.NewString(),
		Recipient: recipient,
		Content:   content,
	})
	if err != nil {
		return domain.Ack{}, err
	}
	if reply.Type == frameError {
		return domain.Ack{}, fmt.Errorf("gateway rejected send: %s", reply.Error)
	}
	return domain.Ack{
		MessageID: reply.MessageID,
		Timestamp: time.UnixMilli(reply.Timestamp),
	}, nil
}

// PairPhone implements ports.ChannelDriver.
func (d *Driver) PairPhone(ctx context.Context, phone string, opts ports.PairingOptions) (string, error) {
	reply, err := d.request(ctx, frame{
		Type:    framePair,
		ID:      uuid.NewString(),
		Phone:   phone,
		Notify:  opts.ShowNotification,
		RegenMS: opts.RegenerateEvery.Milliseconds(),
	})
	if err != nil {
		return "", err
	}
	if reply.Type == frameError {
		return "", fmt.Errorf("gateway rejected pairing: %s", reply.Error)
	}
	return reply.Code, nil
}

// request writes one frame and waits for the reply carrying the same ID.
func (d *Driver) request(ctx context.Context, f frame) (frame, error) {
	d.mu.Lock()
	conn := d.conn
	if conn == nil || !d.connected {
		d.mu.Unlock()
		return frame{}, domain.ErrNotConnected
	}
	ch := make(chan frame, 1)
	d.pending[f.ID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, f.ID)
		d.mu.Unlock()
	}()

	if err := d.write(conn, f); err != nil {
		return frame{}, fmt.Errorf("write %s frame: %w", f.Type, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (d *Driver) write(conn *websocket.Conn, f frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// readLoop owns all reads on the socket and fans frames out to the
// event channel and pending request channels.
func (d *Driver) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			d.handleReadError(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		d.handleFrame(f)
	}
}

func (d *Driver) handleReadError(conn *websocket.Conn, err error) {
	d.mu.Lock()
	current := d.conn == conn
	released := d.released
	if current {
		d.connected = false
	}
	d.mu.Unlock()

	if !current || released {
		return
	}
	d.logger.Warn("gateway connection lost", ports.Err(err))
	d.emit(ports.DriverEvent{Kind: ports.EventDisconnected, Err: err})
}

func (d *Driver) handleFrame(f frame) {
	switch f.Type {
	case frameConnected:
		d.mu.Lock()
		d.connected = true
		d.loggedIn = f.LoggedIn
		if d.ready != nil {
			close(d.ready)
			d.ready = nil
		}
		d.mu.Unlock()
		d.emit(ports.DriverEvent{Kind: ports.EventConnected})

	case frameAuth:
		d.mu.Lock()
		d.loggedIn = true
		d.mu.Unlock()
		d.emit(ports.DriverEvent{Kind: ports.EventAuthenticated})

	case frameAuthFailure:
		d.emit(ports.DriverEvent{
			Kind: ports.EventAuthFailure,
			Err:  fmt.Errorf("gateway auth failure: %s", f.Error),
		})

	case frameLoggedOut:
		d.mu.Lock()
		d.loggedIn = false
		d.mu.Unlock()
		d.emit(ports.DriverEvent{Kind: ports.EventLoggedOut})

	case frameQR:
		d.emit(ports.DriverEvent{Kind: ports.EventHandshakeCode, Code: f.Code})

	case frameMessage:
		d.emit(ports.DriverEvent{
			Kind: ports.EventMessage,
			Message: domain.InboundMessage{
				Sender:     f.Sender,
				Content:    f.Content,
				ReceivedAt: time.UnixMilli(f.Timestamp),
			},
		})

	case frameAck, framePairCode, frameError:
		d.mu.Lock()
		ch, ok := d.pending[f.ID]
		d.mu.Unlock()
		if ok {
			ch <- f
		} else {
			d.logger.Debug("reply frame without pending request",
				ports.String("type", f.Type), ports.String("id", f.ID))
		}

	default:
		d.logger.Debug("unknown gateway frame", ports.String("type", f.Type))
	}
}

// emit drops events when the buffer is full rather than blocking the
// read loop.
func (d *Driver) emit(ev ports.DriverEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event buffer full, dropping event",
			ports.String("kind", ev.Kind.String()))
	}
}

func (d *Driver) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		d.mu.Lock()
		current := d.conn == conn && d.connected
		d.mu.Unlock()
		if !current {
			return
		}
		d.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		d.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
