package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds frames accepted from the client. Clients only
	// send close/pong frames, so a small limit is sufficient.
	maxMessageSize = 512

	// sendBufferSize is the capacity of the per-client message channel.
	// When the buffer fills up the client is disconnected by Broadcast.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation is the responsibility of the
// reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a single connected WebSocket peer. Each client runs two
// goroutines: readPump (detects disconnection, handles pong frames) and
// writePump (serialises outgoing messages onto the wire).
//
// The send channel is the handoff point between the hub's Broadcast calls
// and the writePump. It is closed by the hub when the client is
// unregistered, which causes writePump to drain and exit cleanly.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// topics is the set of pub/sub topics this client is subscribed to,
	// populated once at connection time from query parameters. Read-only
	// after initialisation.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection to WebSocket and returns a Client
// subscribed to topics. Returns an error if the upgrade fails.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	return c, nil
}

// Run registers the client with the hub and starts the read and write pumps.
// It blocks until the connection closes; the upgrade handler calls it as the
// last thing it does.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	// writePump runs in its own goroutine because it blocks on the send
	// channel and the wire write. readPump runs on the current goroutine.
	go c.writePump()
	c.readPump()
}

// readPump reads incoming frames from the WebSocket connection. Its job is to
// detect disconnection and reset the read deadline after each pong frame;
// application messages from the client are not expected, the protocol is
// server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the WebSocket wire
// and sends periodic ping frames so readPump can detect stale connections.
//
// writePump is the only goroutine that writes to conn; gorilla/websocket
// connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// The hub closed the channel; send a close frame and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
