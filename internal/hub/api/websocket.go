package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/proximity.report/internal/hub"
)

const writeTimeout = 5 * time.Second

// Broadcaster pushes aggregator snapshots to every connected WebSocket
// viewer at a fixed cadence. The cadence is independent of how fast
// records arrive; viewers see state, not an event log.
type Broadcaster struct {
	agg      *hub.Aggregator
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewBroadcaster builds a broadcaster over the aggregator.
func NewBroadcaster(agg *hub.Aggregator, interval time.Duration) *Broadcaster {
	if interval == 0 {
		interval = 500 * time.Millisecond
	}
	return &Broadcaster{
		agg:      agg,
		interval: interval,
		upgrader: websocket.Upgrader{
			// Viewers connect from whatever host serves the dashboard.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
	}
}

// HandleWS upgrades the connection and registers the viewer. The
// initial snapshot goes out immediately so new viewers do not wait a
// full cadence interval for their first state.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	id := uuid.NewString()

	b.mu.Lock()
	b.clients[id] = conn
	n := len(b.clients)
	b.mu.Unlock()
	log.Printf("WebSocket viewer %s connected (%d total)", id, n)

	if data, err := json.Marshal(b.agg.Snapshot()); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
	}

	// Viewers never send meaningful data; the read loop exists to detect
	// disconnects and answer pings.
	go func() {
		defer b.drop(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) drop(id string) {
	b.mu.Lock()
	conn, ok := b.clients[id]
	delete(b.clients, id)
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		conn.Close()
		log.Printf("WebSocket viewer %s disconnected (%d total)", id, n)
	}
}

// ClientCount returns the number of connected viewers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Run pushes snapshots on the cadence until the context ends. Writes
// that fail drop the viewer; reconnecting is the client's job.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.broadcast()
		}
	}
}

func (b *Broadcaster) broadcast() {
	b.mu.Lock()
	if len(b.clients) == 0 {
		b.mu.Unlock()
		return
	}
	conns := make(map[string]*websocket.Conn, len(b.clients))
	for id, c := range b.clients {
		conns[id] = c
	}
	b.mu.Unlock()

	data, err := json.Marshal(b.agg.Snapshot())
	if err != nil {
		log.Printf("Snapshot marshal failed: %v", err)
		return
	}
	for id, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.drop(id)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, conn := range b.clients {
		conn.Close()
		delete(b.clients, id)
	}
}
