package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/pairchat/internal/matchmaking"
	"github.com/mossy-p/pairchat/internal/metrics"
	"github.com/mossy-p/pairchat/internal/models"
	"github.com/mossy-p/pairchat/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
	storeTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Bus carries frames to participants connected to other relay instances.
type Bus interface {
	Publish(ctx context.Context, to string, frame []byte) error
	Subscribe(ctx context.Context, deliver func(to string, frame []byte)) error
}

type RelayConfig struct {
	Store   matchmaking.Store
	Bus     Bus
	Metrics *metrics.Relay
	Logger  *slog.Logger
}

// Relay pairs participants and forwards their negotiation and chat
// traffic. Pairing state lives in the Store; only sockets are local.
type Relay struct {
	store   matchmaking.Store
	bus     Bus
	metrics *metrics.Relay
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done chan struct{}
	once sync.Once
}

func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:   cfg.Store,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "relay"),
		clients: make(map[string]*Client),
	}
}

// Run starts the online heartbeat and subscribes to the cross-instance
// bus, if any. It returns once the subscription is live; both stop when ctx
// is done.
func (r *Relay) Run(ctx context.Context) error {
	go r.heartbeat(ctx, matchmaking.OnlineRefresh)
	if r.bus == nil {
		return nil
	}
	return r.bus.Subscribe(ctx, func(to string, frame []byte) {
		r.mu.RLock()
		client := r.clients[to]
		r.mu.RUnlock()
		if client != nil {
			client.enqueue(frame, r.logger)
		}
	})
}

// heartbeat re-marks every local socket online so the shared count only
// keeps ids some live relay still holds.
func (r *Relay) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnline(ctx)
		}
	}
}

func (r *Relay) refreshOnline(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.SetOnline(ctx, ids...); err != nil {
		r.logger.Warn("failed to refresh online users", "count", len(ids), "err", err)
	}
}

// HandleWebSocket upgrades the request and assigns the participant an id.
func (r *Relay) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	r.register(client)

	go r.writePump(client)
	go r.readPump(client)
}

func (r *Relay) register(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Connections.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.SetOnline(ctx, client.ID); err != nil {
		r.logger.Warn("failed to mark client online", "sid", client.ID, "err", err)
	}

	r.logger.Info("client connected", "sid", client.ID)
	r.emit(client, models.EventConnected, models.ConnectedPayload{SID: client.ID})
}

func (r *Relay) unregister(client *Client) {
	client.once.Do(func() { close(client.done) })

	r.mu.Lock()
	delete(r.clients, client.ID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	partner, err := r.store.Disconnect(ctx, client.ID)
	if err != nil {
		r.logger.Error("failed to clear disconnected client", "sid", client.ID, "err", err)
	}
	if r.metrics != nil {
		r.metrics.Connections.Dec()
	}
	if partner != "" {
		r.sendTo(ctx, partner, models.EventPartnerDisconnected, models.PartnerPayload{Peer: client.ID})
		r.countDeparture("disconnected")
		r.logger.Info("client disconnected, notified partner", "sid", client.ID, "partner", partner)
		return
	}
	r.logger.Info("client disconnected", "sid", client.ID)
}

func (r *Relay) readPump(client *Client) {
	defer func() {
		r.unregister(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket error", "sid", client.ID, "err", err)
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			r.logger.Warn("failed to parse message", "sid", client.ID, "err", err)
			continue
		}
		r.dispatch(client, env)
	}
}

func (r *Relay) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Warn("failed to write message", "sid", client.ID, "err", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.done:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (r *Relay) dispatch(client *Client, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch env.Event {
	case models.EventJoin:
		r.handleJoin(ctx, client)
	case models.EventSignal:
		r.handleSignal(ctx, client, env)
	case models.EventChatMessage:
		r.handleChat(ctx, client, env)
	case models.EventLeave:
		r.handleLeave(ctx, client)
	case models.EventReport:
		r.handleReport(ctx, client, env)
	default:
		r.logger.Warn("unknown event", "sid", client.ID, "event", env.Event)
	}
}

func (r *Relay) handleJoin(ctx context.Context, client *Client) {
	res, err := r.store.Join(ctx, client.ID)
	if err != nil {
		r.logger.Error("join failed", "sid", client.ID, "err", err)
		r.emit(client, models.EventError, models.MessagePayload{Msg: "Failed to join"})
		return
	}
	if res.Dropped != "" {
		// Rejoining without a leave, e.g. after a failed connection.
		r.sendTo(ctx, res.Dropped, models.EventPartnerLeft, models.PartnerPayload{Peer: client.ID})
		r.countDeparture("rejoined")
		r.logger.Info("rejoin dissolved previous pair", "sid", client.ID, "partner", res.Dropped)
	}

	if !res.Matched() {
		pos := res.Position
		r.emit(client, models.EventStatus, models.StatusPayload{Msg: models.StatusWaiting, QueuePosition: &pos})
		if r.metrics != nil {
			r.metrics.Waiting.Set(float64(pos))
		}
		r.logger.Info("client waiting for a match", "sid", client.ID, "position", pos)
		return
	}

	r.emit(client, models.EventMatched, models.MatchedPayload{Peer: res.Partner, Room: res.Room})
	r.sendTo(ctx, res.Partner, models.EventMatched, models.MatchedPayload{Peer: client.ID, Room: res.Room})
	if r.metrics != nil {
		r.metrics.Matches.Inc()
	}
	r.logger.Info("matched", "sid", client.ID, "partner", res.Partner, "room", res.Room)
}

func (r *Relay) handleSignal(ctx context.Context, client *Client, env models.Envelope) {
	var p models.SignalPayload
	if err := env.Decode(&p); err != nil || p.To == "" {
		r.rejectSignal(client, "invalid signal payload", err)
		return
	}

	partner, err := r.store.Partner(ctx, client.ID)
	if err != nil {
		r.logger.Error("partner lookup failed", "sid", client.ID, "err", err)
		return
	}
	if partner != p.To {
		r.rejectSignal(client, "signal to non-partner", nil)
		return
	}

	msg, err := signaling.Decode(models.SignalPayload{From: client.ID, Data: p.Data})
	if err != nil {
		r.rejectSignal(client, "invalid signal data", err)
		return
	}

	r.sendTo(ctx, partner, models.EventSignal, msg.Payload())
	if r.metrics != nil {
		r.metrics.Signals.WithLabelValues(string(msg.Type)).Inc()
	}
	r.logger.Debug("forwarded signal", "sid", client.ID, "to", partner, "type", msg.Type)
}

func (r *Relay) rejectSignal(client *Client, why string, err error) {
	if r.metrics != nil {
		r.metrics.RejectedSignals.Inc()
	}
	r.logger.Warn(why, "sid", client.ID, "err", err)
}

func (r *Relay) handleChat(ctx context.Context, client *Client, env models.Envelope) {
	var p models.ChatPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("invalid chat payload", "sid", client.ID, "err", err)
		return
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		return
	}

	partner, err := r.store.Partner(ctx, client.ID)
	if err != nil {
		r.logger.Error("partner lookup failed", "sid", client.ID, "err", err)
		return
	}
	if partner == "" {
		r.emit(client, models.EventError, models.MessagePayload{Msg: "No partner connected"})
		return
	}

	r.sendTo(ctx, partner, models.EventChatMessage, models.ChatPayload{Message: text})
	if r.metrics != nil {
		r.metrics.ChatMessages.Inc()
	}
}

func (r *Relay) handleLeave(ctx context.Context, client *Client) {
	partner, err := r.store.Leave(ctx, client.ID)
	if err != nil {
		r.logger.Error("leave failed", "sid", client.ID, "err", err)
	}
	if partner != "" {
		r.sendTo(ctx, partner, models.EventPartnerLeft, models.PartnerPayload{Peer: client.ID})
		r.countDeparture("left")
		r.logger.Info("client left", "sid", client.ID, "partner", partner)
	}
	r.emit(client, models.EventLeft, models.MessagePayload{Msg: "You left the conversation"})
}

func (r *Relay) handleReport(ctx context.Context, client *Client, env models.Envelope) {
	var p models.ReportPayload
	if err := env.Decode(&p); err != nil {
		r.logger.Warn("invalid report payload", "sid", client.ID, "err", err)
		return
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "unspecified"
	}

	partner, err := r.store.Partner(ctx, client.ID)
	if err != nil {
		r.logger.Warn("partner lookup for report failed", "sid", client.ID, "err", err)
	}
	report := models.Report{
		Reporter:  client.ID,
		Reported:  partner,
		Reason:    reason,
		Details:   strings.TrimSpace(p.Details),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveReport(ctx, report); err != nil {
		r.logger.Error("failed to store report", "sid", client.ID, "err", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Reports.Inc()
	}
	r.logger.Info("report received", "sid", client.ID, "reported", partner, "reason", reason)
}

func (r *Relay) countDeparture(cause string) {
	if r.metrics != nil {
		r.metrics.PartnerDeparture.WithLabelValues(cause).Inc()
	}
}

func (r *Relay) emit(client *Client, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		r.logger.Error("failed to marshal message", "event", event, "err", err)
		return
	}
	client.enqueue(frame, r.logger)
}

// sendTo delivers to a local socket, or through the bus when the
// recipient is held by another instance.
func (r *Relay) sendTo(ctx context.Context, id, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		r.logger.Error("failed to marshal message", "event", event, "err", err)
		return
	}

	r.mu.RLock()
	client := r.clients[id]
	r.mu.RUnlock()
	if client != nil {
		client.enqueue(frame, r.logger)
		return
	}
	if r.bus == nil {
		r.logger.Debug("recipient not connected", "to", id, "event", event)
		return
	}
	if err := r.bus.Publish(ctx, id, frame); err != nil {
		r.logger.Warn("failed to publish message", "to", id, "event", event, "err", err)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (c *Client) enqueue(frame []byte, logger *slog.Logger) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.Send <- frame:
	default:
		logger.Warn("failed to send message, buffer full", "sid", c.ID)
	}
}
