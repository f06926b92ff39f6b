package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// clientBuffer is how many messages a slow client may lag before it starts
// missing updates.
const clientBuffer = 16

// Hub fans session state changes out to connected webview clients.
type Hub struct {
	snapshot func() any
	origins  []string

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewHub creates a hub. snapshot, if non-nil, produces the first message each
// client receives. origins are the host patterns allowed to connect.
func NewHub(snapshot func() any, origins []string) *Hub {
	return &Hub{
		snapshot: snapshot,
		origins:  origins,
		clients:  make(map[chan []byte]struct{}),
	}
}

// Broadcast sends v as JSON to every connected client. Clients whose buffer
// is full miss the message.
func (h *Hub) Broadcast(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws.Hub.Broadcast: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			log.Debug().Msg("websocket client lagging, update dropped")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// ServeSession handles WebSocket connections for session state updates.
// Each client gets the current snapshot, then every change as it commits.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request) {
	// The connection outlives the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Reads are discarded; CloseRead also notices when the client goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup := h.subscribe()
	defer cleanup()

	if h.snapshot != nil {
		payload, err := json.Marshal(h.snapshot())
		if err != nil {
			log.Error().Err(err).Msg("websocket snapshot")
			_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
			return
		}
		if err := write(ctx, conn, payload); err != nil {
			log.Debug().Err(err).Msg("websocket write")
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg := <-messages:
			if err := write(ctx, conn, msg); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	return conn.Write(ctx, websocket.MessageText, payload)
}
