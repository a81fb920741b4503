package wsmsg

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/factorialio/scotty/internal/wsproto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Client is one connected websocket session.
type Client struct {
	hub  *Hub
	log  logrus.FieldLogger
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	authenticated bool
	userID        string

	stopOnce sync.Once
	stopped  chan struct{}
}

// Upgrade upgrades an HTTP request to a websocket connection, registers the
// resulting Client with the hub, and starts its read/write pumps. Returns
// once the connection has closed.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")

		return
	}

	c := &Client{
		hub:     h,
		log:     h.log,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		stopped: make(chan struct{}),
	}

	h.register(c)

	var wg sync.WaitGroup

	wg.Add(2) //nolint:mnd // read pump + write pump

	go func() {
		defer wg.Done()

		c.writePump()
	}()

	go func() {
		defer wg.Done()

		c.readPump()
	}()

	wg.Wait()

	h.unregister(c)
}

// Authenticated reports whether the client has completed the Authenticate
// handshake.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authenticated
}

// SetAuthenticated marks the client as authenticated for userID.
func (c *Client) SetAuthenticated(userID string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the authenticated user id, or "" if unauthenticated.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.userID
}

// Send encodes and enqueues one message for this client.
func (c *Client) Send(msgType string, payload any) {
	data, err := wsproto.Encode(msgType, payload)
	if err != nil {
		c.log.WithError(err).Error("failed to encode client message")

		return
	}

	c.enqueue(data)
}

// enqueue drops the message if the client's send buffer is full, mirroring
// the hub's broadcast drop-on-full policy for slow consumers.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) closeStopped() {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
}

func (c *Client) readPump() {
	defer c.closeStopped()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.WithError(err).Debug("dropping malformed client message")

			continue
		}

		if env.Type == wsproto.TypePing {
			c.Send(wsproto.TypePong, struct{}{})

			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleMessage(c, env)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stopped:
			return
		}
	}
}
