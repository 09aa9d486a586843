package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// ReadingMessage is pushed to WebSocket clients for every stored reading.
type ReadingMessage struct {
	Type    string          `json:"type"`
	Reading storage.Reading `json:"reading"`
}

// ReadingsHub fans stored readings out to WebSocket clients.
type ReadingsHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{} // closed when Run returns
	upgrader   websocket.Upgrader
	log        *slog.Logger

	mu sync.RWMutex
}

// NewReadingsHub creates a hub. Browsers may connect from the same host or
// from any of allowedOrigins.
func NewReadingsHub(allowedOrigins []string) *ReadingsHub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &ReadingsHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        logging.Component("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WSReadBufferSize,
			WriteBufferSize: config.WSWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// No Origin header means a non-browser client.
				return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host || allowed[origin]
			},
		},
	}
}

// Run owns the client set until ctx is cancelled.
func (h *ReadingsHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			close(h.done)
			// Close connections that were queued but never registered.
			for {
				select {
				case conn := <-h.register:
					conn.Close()
				default:
					return
				}
			}
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client connected", "clients", count)
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client disconnected", "clients", count)
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Warn("write failed", "error", err)
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Unregister without holding the lock; the channel is drained by
			// this loop so this must not block.
			for _, conn := range failed {
				select {
				case h.unregister <- conn:
				default:
					h.mu.Lock()
					delete(h.clients, conn)
					h.mu.Unlock()
					conn.Close()
				}
			}
		}
	}
}

// NotifyReading broadcasts r when anyone is listening.
func (h *ReadingsHub) NotifyReading(r storage.Reading) {
	if !h.HasClients() {
		return
	}
	if err := h.Broadcast(ReadingMessage{Type: "reading", Reading: r}); err != nil {
		h.log.Warn("failed to encode reading", "error", err)
	}
}

// Broadcast queues a message for every client. A full queue drops it.
func (h *ReadingsHub) Broadcast(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("broadcast queue full, dropping message")
	}
	return nil
}

// HasClients returns true if there are any connected WebSocket clients
func (h *ReadingsHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket serves GET /api/ws.
func (h *ReadingsHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	// Run may have stopped after the send; its drain closes conn then.
	select {
	case <-h.done:
		conn.Close()
		return
	default:
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keepalive pings
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// WriteControl may be called concurrently with WriteMessage.
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		default:
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Clients never send data; reading surfaces control frames and close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("connection error", "error", err)
			}
			return
		}
	}
}
