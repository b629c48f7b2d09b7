// Package transport is the client side of the relay channel: an ordered,
// bidirectional stream of named events over a single WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/pairchat/internal/models"
)

// EventDisconnect is synthesized when the relay connection drops without a
// local Close.
const EventDisconnect = "disconnect"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
	maxMessageSize = 1 << 20
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// Event is one inbound relay event, or a disconnect notification.
type Event struct {
	Name string
	Data json.RawMessage
	// Err is set on EventDisconnect.
	Err error
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return models.Envelope{Event: e.Name, Data: e.Data}.Decode(v)
}

type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a reconnectable relay connection. Events from every connection
// it makes are delivered on the same channel, in order.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	events chan Event

	mu     sync.Mutex
	conn   *connection
	selfID string
}

type connection struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	local  atomic.Bool
}

func (c *connection) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

func New(cfg Config) *Client {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    cfg.URL,
		header: cfg.Header,
		dialer: dialer,
		logger: logger.With("component", "transport"),
		events: make(chan Event, sendBufferSize),
	}
}

// Events returns the inbound event stream. It is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SelfID returns the relay-assigned identifier of the current connection,
// or "" when disconnected.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Connect dials the relay and waits for the "connected" greeting that
// carries this participant's id. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial relay %s: %w", c.url, err)
	}
	ws.SetReadLimit(maxMessageSize)

	deadline := time.Now().Add(pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)

	var env models.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		ws.Close()
		return fmt.Errorf("read relay greeting: %w", err)
	}
	var hello models.ConnectedPayload
	if env.Event != models.EventConnected {
		ws.Close()
		return fmt.Errorf("unexpected relay greeting %q", env.Event)
	}
	if err := env.Decode(&hello); err != nil || hello.SID == "" {
		ws.Close()
		return fmt.Errorf("relay greeting without sid")
	}

	conn := &connection{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = conn
	c.selfID = hello.SID
	c.mu.Unlock()

	c.logger.Info("connected to relay", "url", c.url, "sid", hello.SID)

	go c.writePump(conn)
	go c.readPump(conn)
	return nil
}

// Emit queues an event for the relay. It never blocks on the network.
func (c *Client) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	select {
	case <-conn.closed:
		return ErrNotConnected
	default:
	}
	select {
	case conn.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close drops the current connection after flushing queued events. No
// disconnect event is delivered for a local Close.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.selfID = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.local.Store(true)
	conn.shutdown()
	return nil
}

func (c *Client) detach(conn *connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.selfID = ""
	}
	c.mu.Unlock()
}

func (c *Client) readPump(conn *connection) {
	var readErr error
	defer func() {
		conn.shutdown()
		c.detach(conn)
		if conn.local.Load() {
			return
		}
		c.logger.Warn("relay connection lost", "err", readErr)
		c.events <- Event{Name: EventDisconnect, Err: readErr}
	}()

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		if env.Event == "" {
			continue
		}

		select {
		case c.events <- Event{Name: env.Event, Data: env.Data}:
		case <-conn.closed:
			return
		}
	}
}

func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write to relay failed", "err", err)
				conn.shutdown()
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.shutdown()
				return
			}

		case <-conn.closed:
			c.flush(conn)
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, so a final "leave" reaches the
// relay before the close frame.
func (c *Client) flush(conn *connection) {
	for {
		select {
		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
