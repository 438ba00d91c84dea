package admin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"statesync/internal/protocol"
)

const (
	maxSpectators       = 100
	DefaultSpectateRate = 10 // snapshots per second
)

// SnapshotSource produces the world state streamed to spectators.
type SnapshotSource interface {
	Snapshot() protocol.Snapshot
}

// Hub fans snapshots out to connected spectators.
type Hub struct {
	source   SnapshotSource
	interval time.Duration
	log      *zap.SugaredLogger

	mu         sync.RWMutex
	clients    map[*Spectator]bool
	register   chan *Spectator
	unregister chan *Spectator
	done       chan struct{}
}

// NewHub creates a Hub sending rate snapshots per second.
func NewHub(source SnapshotSource, rate int, log *zap.SugaredLogger) *Hub {
	if rate <= 0 {
		rate = DefaultSpectateRate
	}
	return &Hub{
		source:     source,
		interval:   time.Second / time.Duration(rate),
		log:        log,
		clients:    make(map[*Spectator]bool),
		register:   make(chan *Spectator),
		unregister: make(chan *Spectator, 16),
		done:       make(chan struct{}),
	}
}

// CanAccept reports whether another spectator may join.
func (h *Hub) CanAccept() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) < maxSpectators
}

// Run processes register/unregister events and broadcasts snapshots until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Infow("spectator joined", "remote", c.remoteAddr)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := protocol.Marshal(h.source.Snapshot())
	if err != nil {
		h.log.Errorw("encoding snapshot", "error", err)
		return
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow spectator, skip this frame.
		}
	}
}

// Join hands a spectator to the hub. It reports false once the hub has
// stopped. The register channel is unbuffered, so a true result means Run
// took ownership of the spectator's send channel.
func (h *Hub) Join(s *Spectator) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(s *Spectator) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Count returns the number of connected spectators.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
