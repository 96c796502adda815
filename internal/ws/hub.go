// Package ws is the realtime boundary: a WebSocket hub with named rooms.
// Clients join the shared "accounts" room and per-account "acc:<id>" rooms,
// send commands, and receive the broadcasts the runners publish on the bus.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/assistant-support/chathub/internal/bus"
)

const maxFrameSize = 4 * 1024 * 1024

// Frame is the client-to-server wire shape.
type Frame struct {
	Op      string          `json:"op"` // join, leave, cmd
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type replyFrame struct {
	Op      string `json:"op"` // reply
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type eventFrame struct {
	Op      string `json:"op"` // event
	Room    string `json:"room"`
	Name    string `json:"name"`
	Ts      int64  `json:"ts"`
	Payload any    `json:"payload,omitempty"`
}

// conn is one connected client. Writes are serialized by mu; gorilla
// connections allow a single concurrent writer.
type conn struct {
	sock *websocket.Conn

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.sock.WriteJSON(v)
}

func (c *conn) join(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *conn) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sock.Close()
}

// Hub upgrades connections, runs their read loops, and fans bus events out
// to room members.
type Hub struct {
	router   *Router
	bus      *bus.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

func NewHub(router *Router, b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		router: router,
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds loopback; browser dashboards connect
			// same-host, so any origin is accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	sock.SetReadLimit(maxFrameSize)

	c := &conn{sock: sock, rooms: make(map[string]struct{})}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		c.close()
		h.logger.Debug("client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: false, Error: "BadFrame"})
			continue
		}

		switch f.Op {
		case "join":
			c.join(f.Room)
			_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: true})
		case "leave":
			c.leave(f.Room)
			_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: true})
		case "cmd":
			cmd, err := DecodeCommand(f.Name, f.Payload)
			if err != nil {
				_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: false, Error: "BadCommand"})
				continue
			}
			// Logins block for up to the QR timeout; never stall the
			// read loop on a command.
			go h.runCommand(ctx, c, f, cmd)
		default:
			_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: false, Error: "BadFrame"})
		}
	}
}

func (h *Hub) runCommand(ctx context.Context, c *conn, f Frame, cmd Command) {
	payload, err := h.router.Dispatch(ctx, cmd)
	if err != nil {
		h.logger.Warn("command failed", zap.String("cmd", f.Name), zap.Error(err))
		_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: false, Error: errorCode(err)})
		return
	}
	_ = c.send(replyFrame{Op: "reply", ID: f.ID, OK: true, Payload: payload})
}

// Run bridges the in-process bus onto connected clients until ctx ends.
// Each event reaches the members of its room only.
func (h *Hub) Run(ctx context.Context) {
	events, unsub := h.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt bus.Event) {
	frame := eventFrame{Op: "event", Room: evt.Room, Name: evt.Name, Ts: evt.Timestamp.UnixMilli(), Payload: evt.Payload}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.inRoom(evt.Room) {
			continue
		}
		if err := c.send(frame); err != nil {
			h.logger.Debug("broadcast send", zap.Error(err))
		}
	}
}

// CloseAll drops every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.close()
		delete(h.conns, c)
	}
}
