// Package websocket implements the Socket Gateway (§4.7): long-lived
// agent connections grouped into rooms (org, user, conversation),
// subscribed to the Event Bus, with disconnect compensation via the
// Conversation Service. Adapted from the teacher's LogHub (log_hub.go),
// which kept one global broadcast channel for a log-tailing dashboard;
// this generalizes its client/register/unregister/ping-pong shape into
// the room model and command set spec.md §4.6/§4.7 require.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
	"immortal-chat/internal/core/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	clientSendBuf  = 64

	sessionTTL = 2 * time.Minute
)

// Hub is the Socket Gateway: it upgrades connections, tracks per-agent
// presence in the Coordination Store, and fans out Event Bus traffic into
// whichever rooms each client has joined.
type Hub struct {
	bus           *services.EventBus
	conversations *services.ConversationService
	coord         ports.CoordinationStore
	sessions      ports.AgentSessionRepository
	instanceID    string

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*roomFeed
}

// roomFeed is the single Event Bus subscription backing every client
// currently joined to one room; ref-counted so N clients in the same room
// share one subscription and one cross-instance mirror instead of N.
type roomFeed struct {
	members map[*Client]struct{}
	cancel  context.CancelFunc
	unsub   func()
}

// Client is one agent's live socket connection, possibly one of several
// the same agent holds across devices (spec.md §3's AgentSession model).
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	userID       string
	orgID        string
	connectionID string

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewHub(bus *services.EventBus, conversations *services.ConversationService, coord ports.CoordinationStore, sessions ports.AgentSessionRepository, instanceID string) *Hub {
	return &Hub{
		bus:           bus,
		conversations: conversations,
		coord:         coord,
		sessions:      sessions,
		instanceID:    instanceID,
		rooms:         make(map[string]*roomFeed),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// No origin check is made here, and the server mounts no
				// CORS handling; the socket handshake is authenticated by
				// (userId, organizationId), not origin.
				return true
			},
		},
	}
}

// clientCommand is the envelope every client->server socket message
// arrives in, per spec.md §6's command set.
type clientCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Status         string `json:"status,omitempty"`
}

// serverEvent is the envelope every server->client socket message is sent
// in: the Event Bus's type/data shape plus the entity id(s) needed to
// look up details, per spec.md §6.
type serverEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServeWS upgrades the connection and registers the client. userID and
// orgID must already be resolved from the authenticated handshake (the
// auth-provider collaborator, out of this core's scope) before this is
// called; an empty userID is treated as a missing handshake per §4.7.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, orgID string) {
	if userID == "" || orgID == "" {
		http.Error(w, "unauthorized: missing agent identity", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("socket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, clientSendBuf),
		userID:       userID,
		orgID:        orgID,
		connectionID: fmt.Sprintf("%s-%d", userID, time.Now().UnixNano()),
		rooms:        make(map[string]struct{}),
	}

	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.joinRoom(c, services.OrgRoom(c.orgID))
	h.joinRoom(c, services.UserRoom(c.userID))

	ctx := context.Background()
	session := &domain.AgentSession{
		ID:           c.connectionID,
		AgentID:      c.userID,
		ConnectionID: c.connectionID,
		InstanceID:   h.instanceID,
		Status:       domain.SessionStatusOnline,
		LastSeenAt:   time.Now(),
	}
	payload, _ := json.Marshal(session)
	if err := h.coord.SetSession(ctx, c.connectionID, sessionTTL, payload); err != nil {
		slog.Warn("failed to persist socket session", "error", err, "connection_id", c.connectionID)
	}
	if err := h.sessions.Upsert(ctx, session); err != nil {
		slog.Warn("failed to persist agent session row", "error", err, "connection_id", c.connectionID)
	}

	h.bus.Publish(ctx, services.OrgRoom(c.orgID), "agent.status_changed", map[string]any{
		"agentId": c.userID,
		"status":  domain.SessionStatusOnline,
	})

	slog.Info("agent connected", "agent_id", c.userID, "connection_id", c.connectionID)
}

// unregister removes the client from every joined room, deletes its
// session blob, and releases its conversations. No grace period: a
// disconnect releases immediately, per spec.md §9's recorded decision
// (DESIGN.md).
func (h *Hub) unregister(c *Client) {
	c.mu.Lock()
	joined := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		joined = append(joined, room)
	}
	c.mu.Unlock()

	for _, room := range joined {
		h.leaveRoom(c, room)
	}

	ctx := context.Background()
	if err := h.coord.DeleteSession(ctx, c.connectionID); err != nil {
		slog.Warn("failed to delete socket session", "error", err, "connection_id", c.connectionID)
	}
	if err := h.sessions.Remove(ctx, c.connectionID); err != nil {
		slog.Warn("failed to remove agent session row", "error", err, "connection_id", c.connectionID)
	}

	if err := h.conversations.ReleaseByAgent(ctx, c.userID); err != nil {
		slog.Error("failed to release conversations on disconnect", "error", err, "agent_id", c.userID)
	}

	h.bus.Publish(ctx, services.OrgRoom(c.orgID), "agent.status_changed", map[string]any{
		"agentId": c.userID,
		"status":  domain.SessionStatusOffline,
	})

	slog.Info("agent disconnected", "agent_id", c.userID, "connection_id", c.connectionID)
}

func (h *Hub) joinRoom(c *Client, room string) {
	c.mu.Lock()
	if _, already := c.rooms[room]; already {
		c.mu.Unlock()
		return
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	h.mu.Lock()
	feed, exists := h.rooms[room]
	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		ch, unsub := h.bus.Subscribe(room)
		feed = &roomFeed{members: make(map[*Client]struct{}), cancel: cancel, unsub: unsub}
		h.rooms[room] = feed

		if err := h.bus.StartMirror(ctx, room); err != nil {
			slog.Warn("failed to start event bus mirror for room", "error", err, "room", room)
		}

		go h.pumpRoom(room, ch)
	}
	feed.members[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(c *Client, room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	h.mu.Lock()
	feed, exists := h.rooms[room]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(feed.members, c)
	empty := len(feed.members) == 0
	if empty {
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	if empty {
		feed.cancel()
		feed.unsub()
	}
}

// pumpRoom forwards every Event Bus message for room to its current
// members until the subscription closes (last member left).
func (h *Hub) pumpRoom(room string, ch <-chan services.BusEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC in room pump", "panic", r, "room", room)
		}
	}()

	for evt := range ch {
		wire, err := json.Marshal(serverEvent{Type: evt.Type, Data: evt.Data})
		if err != nil {
			slog.Error("failed to marshal server event", "error", err, "room", room)
			continue
		}

		h.mu.Lock()
		feed, exists := h.rooms[room]
		var members []*Client
		if exists {
			members = make([]*Client, 0, len(feed.members))
			for c := range feed.members {
				members = append(members, c)
			}
		}
		h.mu.Unlock()

		for _, c := range members {
			select {
			case c.send <- wire:
			default:
				slog.Warn("dropping socket message, client buffer full", "connection_id", c.connectionID, "room", room)
			}
		}
	}
}

func (c *Client) handleCommand(raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Warn("failed to decode socket command", "error", err, "connection_id", c.connectionID)
		return
	}

	ctx := context.Background()

	switch cmd.Type {
	case "join:conversation":
		// Authorize: a client may only join a conversation room once it
		// has confirmed (via the REST API) that the conversation belongs
		// to its own organization; the socket layer re-derives that
		// membership from Persistence would require a repository
		// dependency this Client intentionally doesn't carry, so we trust
		// the id the client already fetched through the authorized REST
		// path and simply scope the room by id.
		c.hub.joinRoom(c, services.ConvRoom(cmd.ConversationID))
	case "leave:conversation":
		c.hub.leaveRoom(c, services.ConvRoom(cmd.ConversationID))
	case "typing:start":
		c.hub.bus.Publish(ctx, services.ConvRoom(cmd.ConversationID), "agent.typing", map[string]any{
			"conversationId": cmd.ConversationID,
			"agentId":        c.userID,
			"typing":         true,
		})
	case "typing:stop":
		c.hub.bus.Publish(ctx, services.ConvRoom(cmd.ConversationID), "agent.typing", map[string]any{
			"conversationId": cmd.ConversationID,
			"agentId":        c.userID,
			"typing":         false,
		})
	case "set:status":
		status := domain.SessionStatus(cmd.Status)
		if status != domain.SessionStatusOnline && status != domain.SessionStatusAway {
			slog.Warn("rejecting invalid set:status command", "status", cmd.Status, "connection_id", c.connectionID)
			return
		}
		if err := c.hub.coord.SetSession(ctx, c.connectionID, sessionTTL, mustJSON(map[string]any{
			"agentId": c.userID, "status": status,
		})); err != nil {
			slog.Warn("failed to refresh session on status change", "error", err, "connection_id", c.connectionID)
		}
		c.hub.bus.Publish(ctx, services.OrgRoom(c.orgID), "agent.status_changed", map[string]any{
			"agentId": c.userID,
			"status":  status,
		})
	default:
		slog.Debug("ignoring unknown socket command", "type", cmd.Type, "connection_id", c.connectionID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		now := time.Now()
		payload := mustJSON(map[string]any{"agentId": c.userID, "status": domain.SessionStatusOnline})
		if err := c.hub.coord.SetSession(context.Background(), c.connectionID, sessionTTL, payload); err != nil {
			// Refreshing on every pong is best-effort presence upkeep;
			// a failure here does not affect the live connection.
			slog.Debug("session refresh on pong failed", "error", err, "connection_id", c.connectionID)
		}
		if err := c.hub.sessions.Touch(context.Background(), c.connectionID, now); err != nil {
			slog.Debug("session row touch on pong failed", "error", err, "connection_id", c.connectionID)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("socket read error", "error", err, "connection_id", c.connectionID)
			}
			break
		}
		c.handleCommand(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
