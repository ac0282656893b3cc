// Package killswitch implements the real-time block fabric: a hub of
// device sockets fed by the Redis kill-switch channel, so a revocation on
// any instance reaches every connected device within one broadcast.
package killswitch

import (
	"context"
	"log"
	"sync"

	"github.com/blockremote/backend/internal/infra"
)

// Conn is the delivery side of a registered socket. The hub only needs to
// know the device and how to push a message; tests register plain fakes.
type Conn interface {
	DeviceID() string
	Deliver(message string) error
}

// Hub tracks connected sockets and owns the relay subscription. The relay
// runs only while at least one socket is registered: the first Register
// starts it, the last Unregister stops it and waits for the drain.
type Hub struct {
	redis *infra.RedisAdapter
	log   *log.Logger

	mu    sync.Mutex
	conns map[Conn]struct{}
	unsub func()
}

// NewHub builds an empty hub over the shared Redis adapter.
func NewHub(redis *infra.RedisAdapter) *Hub {
	return &Hub{
		redis: redis,
		log:   log.New(log.Writer(), "[KILLSWITCH] ", log.LstdFlags),
		conns: make(map[Conn]struct{}),
	}
}

// Register adds a socket and starts the relay if this is the first one.
func (h *Hub) Register(c Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = struct{}{}
	if h.unsub != nil {
		return nil
	}

	unsub, err := h.redis.Subscribe(context.Background(), infra.KillSwitchChannel, h.Broadcast)
	if err != nil {
		delete(h.conns, c)
		return err
	}
	h.unsub = unsub
	h.log.Printf("relay started")
	return nil
}

// Unregister drops a socket. When the hub empties, the relay subscription
// is torn down outside the lock so an in-flight broadcast can finish.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	var unsub func()
	if len(h.conns) == 0 && h.unsub != nil {
		unsub = h.unsub
		h.unsub = nil
	}
	h.mu.Unlock()

	if unsub != nil {
		unsub()
		h.log.Printf("relay stopped")
	}
}

// Size reports the number of registered sockets.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast fans a kill-switch message out to the matching sockets. A
// targeted message reaches only that device; anything unparseable goes to
// everyone. Sockets that fail to take the message are dropped.
func (h *Hub) Broadcast(message string) {
	target := TargetDevice(message)

	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var failed []Conn
	for _, c := range conns {
		if target != "" && c.DeviceID() != target {
			continue
		}
		if err := c.Deliver(message); err != nil {
			h.log.Printf("delivery failed device=%s: %v", c.DeviceID(), err)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.Unregister(c)
	}
}
