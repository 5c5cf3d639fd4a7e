package events

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans events out to connected websocket observers. Slow or broken
// clients are dropped rather than blocking a publish.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[*websocket.Conn]chan Event
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*websocket.Conn]chan Event{},
	}
}

// HandleWS upgrades the connection and streams events until the client
// disconnects. The channel is one-way: inbound messages are discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events ws upgrade failed: %v", err)
		return
	}

	ch := make(chan Event, 32)
	h.mu.Lock()
	h.conns[c] = ch
	h.mu.Unlock()

	go h.writeLoop(c, ch)
	go h.readLoop(c)
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, ch := range h.conns {
		select {
		case ch <- ev:
		default:
			// Client is not keeping up; drop it
			log.Printf("events: dropping slow observer")
			close(ch)
			delete(h.conns, c)
		}
	}
}

func (h *Hub) writeLoop(c *websocket.Conn, ch chan Event) {
	defer c.Close()
	for ev := range ch {
		if err := c.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) readLoop(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			h.remove(c)
			c.Close()
			return
		}
	}
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.conns[c]; ok {
		close(ch)
		delete(h.conns, c)
	}
}
