// Package relay is the websocket fan-out for project rooms. Every message a
// participant sends is forwarded verbatim to the other participants of the
// same project; the hub adds no ordering or delivery guarantee beyond
// arrival order on each connection. Joining clients receive a welcome batch
// (current snapshot plus text sync) before live traffic.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"groundwork/sync/internal/transport"
)

const writeTimeout = 5 * time.Second

type client struct {
	conn      *websocket.Conn
	projectID string
	userID    string
}

// Options wires the hub to its owner.
type Options struct {
	// Welcome builds the messages a joining client receives first.
	Welcome func(projectID string) []transport.Message
	// OnMessage observes every inbound client message after fan-out.
	OnMessage func(projectID string, msg transport.Message)
	// OnLeave runs when a client's connection is observed closed.
	OnLeave func(projectID, userID string)
}

// Hub manages websocket connections grouped into project rooms.
type Hub struct {
	opts Options

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts:  opts,
		rooms: make(map[string]map[*client]struct{}),
	}
}

// HandleWS upgrades the request and joins the client to its project room.
// The project and user are named in query parameters. The user value doubles
// as the participant's replica site ID, so every client session (each tab
// included) must present a unique one.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	userID := r.URL.Query().Get("user")
	if projectID == "" || userID == "" {
		http.Error(w, "project and user are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("relay: websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, projectID: projectID, userID: userID}
	h.mu.Lock()
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
	count := len(room)
	h.mu.Unlock()
	log.Printf("relay: %s joined project %s (%d connected)", userID, projectID, count)

	if h.opts.Welcome != nil {
		for _, msg := range h.opts.Welcome(projectID) {
			h.writeTo(c, msg)
		}
	}

	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}
		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("relay: dropping malformed message from %s: %v", c.userID, err)
			continue
		}
		msg.SenderID = c.userID
		msg.ProjectID = c.projectID

		h.broadcastExcept(c.projectID, msg, c)
		if h.opts.OnMessage != nil {
			h.opts.OnMessage(c.projectID, msg)
		}
	}
}

// Broadcast sends a message to every connection in a project room.
func (h *Hub) Broadcast(projectID string, msg transport.Message) {
	h.broadcastExcept(projectID, msg, nil)
}

// broadcastExcept skips a single connection, never a whole user: a second
// connection carrying the same user name still gets the traffic.
func (h *Hub) broadcastExcept(projectID string, msg transport.Message, except *client) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[projectID]))
	for c := range h.rooms[projectID] {
		if c == except {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.writeTo(c, msg)
	}
}

func (h *Hub) writeTo(c *client, msg transport.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("relay: marshal %s: %v", msg.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err = c.conn.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		log.Printf("relay: write to %s failed: %v", c.userID, err)
		h.remove(c)
	}
}

// remove drops the client, announces its departure to the room, and
// garbage-collects its presence entries on every peer via clear messages.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.projectID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := room[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.projectID)
	}
	count := len(room)
	h.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("relay: %s left project %s (%d connected)", c.userID, c.projectID, count)

	// Presence is never persisted; a departed user's cursor and selection
	// must vanish from every remaining render set.
	h.Broadcast(c.projectID, transport.Message{
		Type:      transport.KindCursorClear,
		SenderID:  c.userID,
		ProjectID: c.projectID,
		UserID:    c.userID,
	})
	h.Broadcast(c.projectID, transport.Message{
		Type:      transport.KindSelectionClear,
		SenderID:  c.userID,
		ProjectID: c.projectID,
		UserID:    c.userID,
	})

	if h.opts.OnLeave != nil {
		h.opts.OnLeave(c.projectID, c.userID)
	}
}

// ConnectedCount returns the number of connections in a project room.
func (h *Hub) ConnectedCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[projectID])
}

// CloseAll disconnects every client. Shutdown hook.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
