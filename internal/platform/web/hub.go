package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dontdude/snipbox/internal/domain"
)

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub routes job results to whoever is waiting for them.
// Map key: JobID -> Value: delivery callback
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]func(domain.JobResult)

	// early holds results that arrived before anyone listened.
	early *lru.Cache[string, domain.JobResult]
}

// NewHub returns a Hub remembering up to backlog undelivered results.
func NewHub(backlog int) *Hub {
	if backlog < 1 {
		backlog = 1
	}
	early, _ := lru.New[string, domain.JobResult](backlog)
	return &Hub{
		listeners: make(map[string]func(domain.JobResult)),
		early:     early,
	}
}

// Listen registers fn for jobID. A result that already arrived is delivered immediately.
// The returned func unregisters.
func (h *Hub) Listen(jobID string, fn func(domain.JobResult)) func() {
	h.mu.Lock()
	res, ok := h.early.Peek(jobID)
	if ok {
		h.early.Remove(jobID)
	} else {
		h.listeners[jobID] = fn
	}
	h.mu.Unlock()

	if ok {
		fn(res)
	}
	return func() {
		h.mu.Lock()
		delete(h.listeners, jobID)
		h.mu.Unlock()
	}
}

// Deliver hands a result to its listener, or keeps it for a late one.
func (h *Hub) Deliver(res domain.JobResult) {
	h.mu.Lock()
	fn, exists := h.listeners[res.JobID]
	if exists {
		delete(h.listeners, res.JobID)
	} else {
		h.early.Add(res.JobID, res)
	}
	h.mu.Unlock()

	if exists {
		fn(res)
	}
}

// Run forwards every result from the queue until ctx is done or the channel closes.
func (h *Hub) Run(ctx context.Context, results <-chan domain.JobResult) {
	slog.Info("Starting Result Broadcaster...")
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			h.Deliver(res)
		}
	}
}
