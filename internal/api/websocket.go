package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Broadcast channels.
const (
	ChannelStateChanged  = "device.state_changed"
	ChannelCommandFailed = "command.failed"
)

// ReasonReplay marks a state event sent on subscribe rather than on change.
const ReasonReplay shadow.ChangeReason = "replay"

const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 8192
)

var knownChannels = map[string]bool{
	ChannelStateChanged:  true,
	ChannelCommandFailed: true,
}

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a client. The payload is decoded
// per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
// Devices narrows device-scoped channels to the listed ids; empty means
// every device. On unsubscribe Devices is ignored.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Devices  []string `json:"devices,omitempty"`
}

// StateEvent is the payload of a device.state_changed broadcast.
type StateEvent struct {
	DeviceID    string                               `json:"device_id"`
	Reason      shadow.ChangeReason                  `json:"reason"`
	Source      string                               `json:"source,omitempty"`
	Version     int64                                `json:"version"`
	Online      bool                                 `json:"online"`
	Updated     []shadow.Field                       `json:"updated,omitempty"`
	Stale       []shadow.Field                       `json:"stale"`
	Unconfirmed []shadow.Field                       `json:"unconfirmed"`
	Display     map[shadow.Field]shadow.DisplayValue `json:"display"`
}

// CommandFailedEvent is the payload of a command.failed broadcast.
type CommandFailedEvent struct {
	Command command.Command `json:"command"`
	Error   string          `json:"error"`
}

// Hub tracks WebSocket clients and fans out state and command events.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	// replay lists current shadows for clients subscribing to state changes.
	replay func() []shadow.Shadow

	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	devices       map[string]struct{}
	closed        bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetReplay installs the source of current shadows sent to clients when
// they subscribe to device.state_changed. New wires it to the shadow reader.
func (h *Hub) SetReplay(fn func() []shadow.Shadow) {
	h.mu.Lock()
	h.replay = fn
	h.mu.Unlock()
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return defaultPingInterval
	}
	return time.Duration(h.cfg.PingInterval) * time.Second
}

func (h *Hub) pongWait() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return defaultPongTimeout
	}
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

func (h *Hub) maxMessageSize() int64 {
	if h.cfg.MaxMessageSize <= 0 {
		return defaultMaxMessageSize
	}
	return int64(h.cfg.MaxMessageSize)
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		client.shutdown()
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.shutdown()
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// Broadcast sends an event to every client subscribed to channel. A
// non-empty deviceID also honours each client's device filter.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.wants(channel, deviceID) && client.trySend(data) {
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "device_id", deviceID, "recipients", sent)
	}
}

// Listen broadcasts a shadow change on device.state_changed. Register it
// with the reconciler.
func (h *Hub) Listen(c shadow.Change) {
	ev := stateEvent(c.Shadow, c.Reason)
	ev.Source = c.Source
	ev.Updated = c.Updated
	h.Broadcast(ChannelStateChanged, c.Shadow.DeviceID, ev)
}

// CommandFailed broadcasts a timed-out or failed command on command.failed.
func (h *Hub) CommandFailed(f command.Failure) {
	ev := CommandFailedEvent{Command: f.Command}
	if f.Err != nil {
		ev.Error = f.Err.Error()
	}
	h.Broadcast(ChannelCommandFailed, f.Command.DeviceID, ev)
}

// replayTo sends the current state of every device the client wants.
func (h *Hub) replayTo(c *WSClient) {
	h.mu.RLock()
	replay := h.replay
	h.mu.RUnlock()
	if replay == nil {
		return
	}

	for _, sh := range replay() {
		if !c.wants(ChannelStateChanged, sh.DeviceID) {
			continue
		}
		data, err := encodeEvent(ChannelStateChanged, stateEvent(sh, ReasonReplay))
		if err != nil {
			h.logger.Error("failed to marshal replay message", "device_id", sh.DeviceID, "error", err)
			continue
		}
		c.trySend(data)
	}
}

func stateEvent(sh shadow.Shadow, reason shadow.ChangeReason) StateEvent {
	ev := StateEvent{
		DeviceID:    sh.DeviceID,
		Reason:      reason,
		Version:     sh.Version,
		Online:      sh.Online,
		Stale:       sh.StaleFields(),
		Unconfirmed: sh.UnconfirmedFields(),
		Display:     make(map[shadow.Field]shadow.DisplayValue, len(shadow.ReportedFields)),
	}
	for _, f := range shadow.ReportedFields {
		ev.Display[f] = sh.Display(f)
	}
	if ev.Stale == nil {
		ev.Stale = []shadow.Field{}
	}
	if ev.Unconfirmed == nil {
		ev.Unconfirmed = []shadow.Field{}
	}
	return ev
}

func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the connection. The bridge serves the local
// network only and performs no auth.
//
// The "subscribe" and "devices" query parameters (comma separated) set the
// initial subscription, so a client can listen without sending a message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(s.hub, conn)
	q := r.URL.Query()
	channels := splitList(q.Get("subscribe"))
	if bad := unknownChannels(channels); len(bad) > 0 {
		s.logger.Warn("websocket query names unknown channels", "channels", bad)
	}
	client.subscribe(channels, splitList(q.Get("devices")))

	s.hub.Register(client)
	if client.wants(ChannelStateChanged, "") {
		s.hub.replayTo(client)
	}

	go client.writePump()
	go client.readPump()
}

func newWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		devices:       make(map[string]struct{}),
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func unknownChannels(channels []string) []string {
	var bad []string
	for _, ch := range channels {
		if !knownChannels[ch] {
			bad = append(bad, ch)
		}
	}
	return bad
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := c.hub.pingInterval() + c.hub.pongWait()
	c.conn.SetReadLimit(c.hub.maxMessageSize())
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Application messages count as liveness too; some clients never
		// answer protocol pings.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := c.hub.pongWait()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(req)
	case WSTypePing:
		c.sendResponse(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

func (c *WSClient) handleSubscription(req wsRequest) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
		c.sendError(req.ID, "invalid "+req.Type+" payload")
		return
	}
	if len(sub.Channels) == 0 {
		c.sendError(req.ID, "channels are required")
		return
	}
	if bad := unknownChannels(sub.Channels); len(bad) > 0 {
		c.sendError(req.ID, "unknown channels: "+strings.Join(bad, ", "))
		return
	}

	if req.Type == WSTypeUnsubscribe {
		c.unsubscribe(sub.Channels)
		c.sendResponse(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
		return
	}

	c.subscribe(sub.Channels, sub.Devices)
	c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels, "devices", sub.Devices)
	c.sendResponse(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "devices": sub.Devices})

	for _, ch := range sub.Channels {
		if ch == ChannelStateChanged {
			c.hub.replayTo(c)
			break
		}
	}
}

// subscribe adds channels. A non-empty devices list replaces the device
// filter.
func (c *WSClient) subscribe(channels, devices []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	if len(devices) > 0 {
		c.devices = make(map[string]struct{}, len(devices))
		for _, id := range devices {
			c.devices[id] = struct{}{}
		}
	}
}

func (c *WSClient) unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
}

// wants reports whether an event on channel for deviceID should reach the
// client. An empty deviceID matches any filter.
func (c *WSClient) wants(channel, deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions[channel]; !ok {
		return false
	}
	if deviceID == "" || len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

// trySend queues data without blocking. A full buffer drops the message;
// the client resynchronises from the next state event.
func (c *WSClient) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel once, ending writePump.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
