package relay

import (
	"sync"
	"time"

	"github.com/sheerbytes/dropline/pkg/protocol"
)

const clientQueueSize = 256

type clientConn struct {
	id        string
	send      chan protocol.Envelope
	closeConn func()
}

// Hub routes envelopes to connected clients by client id. Each client has a
// buffered queue drained by its own writer goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*clientConn
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*clientConn)}
}

// Add registers a client. send writes one envelope to the client's socket and
// closeConn drops the socket when the client cannot keep up. The returned
// function unregisters the client and stops its writer.
func (h *Hub) Add(id string, send func(env protocol.Envelope) error, closeConn func()) (remove func()) {
	c := &clientConn{
		id:        id,
		send:      make(chan protocol.Envelope, clientQueueSize),
		closeConn: closeConn,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range c.send {
			if err := send(env); err != nil {
				closeConn()
				// Keep draining so SendTo never blocks on a dead client.
				for range c.send {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	if old := h.clients[id]; old != nil {
		close(old.send)
		go old.closeConn()
	}
	h.clients[id] = c
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.clients[id] != c {
				h.mu.Unlock()
				return
			}
			delete(h.clients, id)
			close(c.send)
			h.mu.Unlock()

			select {
			case <-done:
			case <-time.After(time.Second):
			}
		})
	}
}

// SendTo queues env for client id. It reports false when the client is not
// connected or its queue is full, in which case the client is disconnected.
func (h *Hub) SendTo(id string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[id]
	if c == nil {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		go c.closeConn()
		return false
	}
}

// Has reports whether client id is connected.
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id] != nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
