package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/room"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Rooms   RoomService
	Live    domain.Subscriber
	Origins []string // allowed Origin headers; empty allows the serving host only
	Logger  *slog.Logger
}

// WebSocketChannel lets a client post into one room and receive the room's
// message snapshots as they change. It is mounted on the web server.
type WebSocketChannel struct {
	rooms    RoomService
	live     domain.Subscriber
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	roomID string
	userID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type     string               `json:"type"` // "message" | "typing" | "snapshot" | "status" | "error"
	Content  string               `json:"content,omitempty"`
	RoomID   string               `json:"room_id,omitempty"`
	Messages []domain.ChatMessage `json:"messages,omitempty"`
	Deleted  bool                 `json:"deleted,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketChannel{
		rooms:  cfg.Rooms,
		live:   cfg.Live,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Origins),
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return len(allowed) == 0 && strings.EqualFold(u.Host, r.Host)
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start waits for ctx and then disconnects every client. Connections are
// accepted by the web server through ServeHTTP.
func (ws *WebSocketChannel) Start(ctx context.Context, _ domain.MessageBus) error {
	<-ctx.Done()
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	return nil
}

// Send pushes a status line to every client of a room.
func (ws *WebSocketChannel) Send(ctx context.Context, roomID string, content string) error {
	ws.broadcastToRoom(roomID, WSMessage{Type: "status", Content: content, RoomID: roomID})
	return nil
}

// ServeHTTP upgrades GET /ws?room=<id>&user=<id>.
func (ws *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	userID := r.URL.Query().Get("user")
	if roomID == "" || userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "room and user are required"})
		return
	}
	if _, err := ws.rooms.GetRoom(r.Context(), roomID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, roomID: roomID, userID: userID}
	ws.mu.Lock()
	ws.clients[client] = struct{}{}
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "room", roomID, "user", userID)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ws.mu.Lock()
		delete(ws.clients, client)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "room", roomID, "user", userID)
	}()

	sub, err := ws.live.Subscribe(ctx, domain.Query{Kind: domain.QueryMessages, RoomID: roomID})
	if err != nil {
		client.send(WSMessage{Type: "error", Error: err.Error()})
		return
	}
	defer sub.Unsubscribe()
	go ws.pushSnapshots(client, sub)

	// Read loop.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var in WSMessage
		if err := json.Unmarshal(data, &in); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			client.send(WSMessage{Type: "error", Error: "invalid JSON"})
			continue
		}

		switch in.Type {
		case "message":
			_, err := ws.rooms.PostMessage(ctx, room.PostInput{
				RoomID:   roomID,
				SenderID: userID,
				Text:     in.Content,
				Channel:  "websocket",
			})
			if err != nil {
				client.send(WSMessage{Type: "error", Error: err.Error()})
			}
		case "typing":
			ws.logger.Debug("typing indicator", "room", roomID, "user", userID)
		default:
			client.send(WSMessage{Type: "error", Error: "unknown message type " + in.Type})
		}
	}
}

// pushSnapshots forwards live query snapshots until the subscription ends.
func (ws *WebSocketChannel) pushSnapshots(client *wsClient, sub domain.Subscription) {
	for snap := range sub.Snapshots() {
		msgs := snap.Messages
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		if err := client.send(WSMessage{Type: "snapshot", RoomID: client.roomID, Messages: msgs, Deleted: snap.Deleted}); err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
			return
		}
		if snap.Deleted {
			client.conn.Close()
			return
		}
	}
}

func (ws *WebSocketChannel) broadcastToRoom(roomID string, msg WSMessage) {
	ws.mu.Lock()
	clients := make([]*wsClient, 0, len(ws.clients))
	for c := range ws.clients {
		if c.roomID == roomID {
			clients = append(clients, c)
		}
	}
	ws.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, client)
	}
}
