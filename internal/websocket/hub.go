package websocket

import "sync"

// Hub tracks the node's live connections for lifecycle purposes. Fan-out
// routing is the service's job; the hub only owns registration and teardown
// of the send channels.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Connection]bool
	Register   chan *Connection
	Unregister chan *Connection
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Connection]bool),
		Register:   make(chan *Connection),
		Unregister: make(chan *Connection),
	}
}

// Run handles connection lifecycle events for the life of the process.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.addClient(conn)
		case conn := <-h.Unregister:
			h.removeClient(conn)
		}
	}
}

// Close tears down every connection, ending their write pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.closeSend()
		conn.ws.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) addClient(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) removeClient(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		conn.closeSend()
	}
}
