package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/review"
)

// Websocket frame types pushed to dashboard clients.
const (
	WSMsgTypeConnected     = "connected"
	WSMsgTypeQueueChanged  = "queue_changed"
	WSMsgTypeReviewChanged = "review_changed"
	WSMsgTypeStats         = "stats"
	WSMsgTypeSubscribed    = "subscribed"
	WSMsgTypePong          = "pong"
	WSMsgTypeError         = "error"
)

// statsInterval is how often the hub pushes a fresh stats frame.
const statsInterval = 10 * time.Second

// WSMessage is one frame sent to clients.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub maintains the set of active websocket clients and feeds them change
// frames from the notification bus plus periodic stats.
type Hub struct {
	server *Server

	// clients is the set of all connected clients.
	clients map[*WSClient]struct{}

	// watchers tracks the per-review bus waiter goroutines, keyed by
	// review id. The queue watcher runs unconditionally.
	watchers map[string]context.CancelFunc

	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan *WSMessage

	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new websocket hub.
func NewHub(server *Server) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		server:     server,
		clients:    make(map[*WSClient]struct{}),
		watchers:   make(map[string]context.CancelFunc),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan *WSMessage, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	go h.watchQueue()
	go h.pushStats()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debugf("Websocket client registered (total=%d)",
				total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			for _, id := range client.Subscriptions() {
				h.dropWatcherIfIdleLocked(id)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debugf("Websocket client unregistered (total=%d)",
				total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if msg.Type == WSMsgTypeReviewChanged {
					payload, _ := msg.Payload.(map[string]any)
					id, _ := payload["review_id"].(string)
					if !client.SubscribedTo(id) {
						continue
					}
				}
				client.Send(msg)
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts down the hub and every watcher.
func (h *Hub) Stop() {
	h.cancel()
}

// BroadcastToAll queues a frame for every connected client.
func (h *Hub) BroadcastToAll(msg *WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		log.Warnf("Websocket broadcast buffer full, dropping %s frame",
			msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// watchQueue parks on the queue topic and fans a queue_changed frame out
// every time pending work arrives or is re-queued.
func (h *Hub) watchQueue() {
	bus := h.server.bus
	since := bus.CurrentVersion(notify.QueueTopic)

	for {
		woke := bus.WaitForChange(
			h.ctx, notify.QueueTopic, time.Minute, since,
		)
		if h.ctx.Err() != nil {
			return
		}
		if !woke {
			continue
		}

		since = bus.CurrentVersion(notify.QueueTopic)
		h.BroadcastToAll(&WSMessage{
			Type: WSMsgTypeQueueChanged,
			Payload: map[string]any{
				"version": since,
			},
		})
	}
}

// watchReview parks on one review topic, pushing a review_changed frame
// with a fresh snapshot on every committed change.
func (h *Hub) watchReview(ctx context.Context, reviewID string) {
	bus := h.server.bus
	since := bus.CurrentVersion(reviewID)

	for {
		woke := bus.WaitForChange(ctx, reviewID, time.Minute, since)
		if ctx.Err() != nil {
			return
		}
		if !woke {
			continue
		}

		since = bus.CurrentVersion(reviewID)

		payload := map[string]any{
			"review_id": reviewID,
			"version":   since,
		}
		resp, err := askBroker[review.GetReviewStatusResp](
			ctx, h.server,
			review.GetReviewStatusMsg{ReviewID: reviewID},
		)
		if err == nil && resp.Error == nil {
			payload["review"] = reviewStatusDoc(resp.Review)
		}

		h.BroadcastToAll(&WSMessage{
			Type:    WSMsgTypeReviewChanged,
			Payload: payload,
		})
	}
}

// pushStats sends a stats frame to every client on a fixed cadence.
func (h *Hub) pushStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return

		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}

			resp, err := askBroker[review.StatsResp](
				h.ctx, h.server, review.StatsMsg{},
			)
			if err != nil || resp.Error != nil {
				continue
			}

			h.BroadcastToAll(&WSMessage{
				Type:    WSMsgTypeStats,
				Payload: statsDoc(resp.Stats),
			})
		}
	}
}

// subscribeReview attaches the client to a review topic, starting a
// watcher for it if none runs yet.
func (h *Hub) subscribeReview(client *WSClient, reviewID string) {
	client.Subscribe(reviewID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watchers[reviewID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	h.watchers[reviewID] = cancel
	go h.watchReview(ctx, reviewID)
}

// dropWatcherIfIdleLocked stops a review watcher that has no remaining
// subscribers. Callers hold h.mu.
func (h *Hub) dropWatcherIfIdleLocked(reviewID string) {
	cancel, ok := h.watchers[reviewID]
	if !ok {
		return
	}

	for client := range h.clients {
		if client.SubscribedTo(reviewID) {
			return
		}
	}

	cancel()
	delete(h.watchers, reviewID)
}

// upgrader specifies parameters for upgrading an HTTP connection to a
// websocket. Only same-origin browsers and originless clients connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// handleWebSocket handles websocket connections at /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket not available",
			http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	client := NewWSClient(s.hub, conn)
	s.hub.register <- client

	client.Send(&WSMessage{
		Type: WSMsgTypeConnected,
		Payload: map[string]any{
			"time": time.Now().UTC().Format(time.RFC3339),
		},
	})

	go client.writePump()
	go client.readPump()
}

// handleIncomingMessage processes frames received from websocket clients.
func (h *Hub) handleIncomingMessage(client *WSClient, messageType int,
	data []byte) {

	if messageType != websocket.TextMessage {
		return
	}

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		client.Send(&WSMessage{
			Type: WSMsgTypeError,
			Payload: map[string]any{
				"message": "invalid message format",
			},
		})
		return
	}

	switch msg.Type {
	case "ping":
		client.Send(&WSMessage{
			Type: WSMsgTypePong,
			Payload: map[string]any{
				"time": time.Now().UTC().Format(time.RFC3339),
			},
		})

	case "subscribe":
		var sub struct {
			ReviewID string `json:"review_id"`
		}
		if err := json.Unmarshal(msg.Data, &sub); err != nil ||
			sub.ReviewID == "" {

			client.Send(&WSMessage{
				Type: WSMsgTypeError,
				Payload: map[string]any{
					"message": "subscribe requires review_id",
				},
			})
			return
		}

		h.subscribeReview(client, sub.ReviewID)
		client.Send(&WSMessage{
			Type: WSMsgTypeSubscribed,
			Payload: map[string]any{
				"review_id": sub.ReviewID,
			},
		})

	default:
		client.Send(&WSMessage{
			Type: WSMsgTypeError,
			Payload: map[string]any{
				"message": "unknown message type: " + msg.Type,
			},
		})
	}
}
