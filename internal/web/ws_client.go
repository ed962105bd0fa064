package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Size of the client send buffer.
	sendBufferSize = 256
)

// WSClient represents a single websocket connection and the review topics
// it has subscribed to.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn

	// send buffers outbound frames.
	send chan *WSMessage

	mu            sync.Mutex
	subscriptions map[string]struct{}
	closed        bool
}

// NewWSClient creates a new websocket client.
func NewWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan *WSMessage, sendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
}

// Subscribe attaches the client to a review topic.
func (c *WSClient) Subscribe(reviewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[reviewID] = struct{}{}
}

// SubscribedTo reports whether the client follows the given review.
func (c *WSClient) SubscribedTo(reviewID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[reviewID]
	return ok
}

// Subscriptions returns the review ids the client follows.
func (c *WSClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

// Send queues a frame for delivery to the client.
func (c *WSClient) Send(msg *WSMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		// Buffer full, drop the frame; the client re-reads on the
		// next one.
		log.Debugf("Websocket send buffer full, dropping %s frame",
			msg.Type)
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
	c.conn.Close()
}

// readPump pumps frames from the websocket connection to the hub. It runs
// in its own goroutine per client.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {

				log.Debugf("Websocket read error: %v", err)
			}
			return
		}

		c.hub.handleIncomingMessage(c, messageType, data)
	}
}

// writePump pumps frames from the hub to the websocket connection. It runs
// in its own goroutine per client.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(
					websocket.CloseMessage, []byte{},
				)
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Warnf("Websocket marshal error: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(
				websocket.TextMessage, data,
			); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(
				websocket.PingMessage, nil,
			); err != nil {
				return
			}
		}
	}
}
