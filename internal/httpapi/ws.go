// SPDX-License-Identifier: MIT

package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playoutsync/engine/internal/util"
)

// Keepalive timings mirrored from the teacher's websocket client, here run
// in the opposite direction: this process pushes, the browser only pongs.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statusHub fans the latest status snapshot out to every connected
// WebSocket client. Each client has its own buffered send channel; a slow
// client misses messages rather than being allowed to back-pressure the
// broadcaster.
type statusHub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newStatusHub() *statusHub {
	return &statusHub{clients: make(map[*wsClient]bool)}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (h *statusHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *statusHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

func (h *statusHub) broadcast(status statusDTO) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: drop the message rather than block the
			// broadcaster. The next broadcast will catch it up.
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.add(client)

	snap := s.playout.Snapshot(nil, nil)
	if data, err := json.Marshal(toStatusDTO(snap)); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}

	util.SafeGo("ws-writepump", nil, func() { s.writePump(client) }, func(r interface{}, stack []byte) {
		if s.logger != nil {
			s.logger.Error("panic in websocket writePump", "recovered", r, "stack", string(stack))
		}
	})
	s.readPump(client)
}

// readPump discards inbound messages (this is a push-only feed) and only
// exists to process pong frames and detect client disconnects.
func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
