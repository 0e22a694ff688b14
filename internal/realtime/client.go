// README: One websocket connection: outbound queue, write pump and keepalive.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dispatch/internal/events"
	"dispatch/internal/infra"
	"dispatch/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 8 << 10
	sendBuffer     = 256
)

type Client struct {
	ID    string
	Conn  *websocket.Conn
	Send  chan []byte
	token *infra.VerifiedToken

	mu     sync.Mutex
	actor  types.Actor
	ready  bool
	closed bool
}

func newClient(id string, conn *websocket.Conn, token *infra.VerifiedToken) *Client {
	return &Client{
		ID:    id,
		Conn:  conn,
		Send:  make(chan []byte, sendBuffer),
		token: token,
	}
}

func (c *Client) SubscriberID() string { return c.ID }

// Deliver queues env without blocking. A full queue drops the envelope.
func (c *Client) Deliver(env events.Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws %s: encode %s: %v", c.ID, env.Event, err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		log.Printf("ws %s: send buffer full, dropping %s", c.ID, env.Event)
		return false
	}
}

// Actor returns the identity bound by the connect message.
func (c *Client) Actor() (types.Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actor, c.ready
}

func (c *Client) bind(actor types.Actor) {
	c.mu.Lock()
	c.actor = actor
	c.ready = true
	c.mu.Unlock()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// writePump owns all writes to Conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("ws %s: write: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("ws %s: ping: %v", c.ID, err)
				return
			}
		}
	}
}
