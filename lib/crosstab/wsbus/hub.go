package wsbus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/crosstab"
	"github.com/lni/dragonboat/v4/logger"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log = logger.GetLogger("crosstab/ws")

// writeTimeout bounds the delivery of one envelope to one client.
const writeTimeout = 2 * time.Second

// Hub relays envelopes between websocket clients.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates a hub without clients.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and relays the client's envelopes until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warningf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "hub closed")

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		var env crosstab.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debugf("client %s disconnected: %v", r.RemoteAddr, err)
			}
			return
		}
		h.broadcast(ctx, env)
	}
}

// broadcast sends env to every client, including its sender.
func (h *Hub) broadcast(ctx context.Context, env crosstab.Envelope) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := wsjson.Write(wctx, c, env); err != nil {
			log.Debugf("dropping envelope for a slow client: %v", err)
		}
		cancel()
	}
}
