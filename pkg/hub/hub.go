package hub

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Hub maintains the set of active clients and broadcasts events to them.
// The most recent event of each type is replayed to clients as they join, so
// a new dashboard tab shows the current status immediately.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]struct{}
	latest  map[string][]byte

	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	count   int
	running atomic.Bool
	dropped atomic.Uint64
}

// New creates a Hub. Call Run before serving clients.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string][]byte),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is done, then disconnects every client.
// A Hub runs once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.replay(c)
			h.setCount()
			h.logger.Debug("client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(c)
			}
			h.logger.Debug("client disconnected", "clients", len(h.clients))

		case ev := <-h.broadcast:
			frame := ev.frame()
			h.latest[ev.Type] = frame
			for c := range h.clients {
				select {
				case c.send <- frame:
				default:
					// Too slow to keep up.
					h.remove(c)
					h.logger.Warn("dropped slow client")
				}
			}
		}
	}
}

// replay sends the latest event of each type, ordered by type.
func (h *Hub) replay(c *Client) {
	types := make([]string, 0, len(h.latest))
	for t := range h.latest {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		select {
		case c.send <- h.latest[t]:
		default:
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// Broadcast queues an event for every client. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", ev.Type)
	}
}

// Publish encodes v as an event of the given type and broadcasts it.
func (h *Hub) Publish(typ string, v any) error {
	ev, err := NewEvent(typ, v)
	if err != nil {
		return err
	}
	h.Broadcast(ev)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Dropped returns the number of broadcasts lost to a full queue.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// IsRunning reports whether Run is active.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
