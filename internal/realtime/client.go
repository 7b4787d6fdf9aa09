package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Client is one live connection.
type Client struct {
	hub   *Hub
	id    models.Identity
	group string
	t     Transport

	mu     sync.Mutex // serializes enqueue against shutdown
	closed bool
	send   chan []byte
	done   chan struct{}
}

func newClient(h *Hub, id models.Identity, t Transport) *Client {
	return &Client{
		hub:   h,
		id:    id,
		group: GroupName(id.Role, id.UserID),
		t:     t,
		send:  make(chan []byte, h.opts.SendQueue),
		done:  make(chan struct{}),
	}
}

func (c *Client) Identity() models.Identity { return c.id }

// enqueue queues msg, evicting the oldest queued message when full. It
// reports false once the client is closed.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for {
		select {
		case c.send <- msg:
			return true
		default:
		}
		select {
		case <-c.send:
			observability.HubDropped.Inc()
		default:
		}
	}
}

// shutdown marks the client closed and closes the transport. It reports
// whether this call did the work.
func (c *Client) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.t.Close()
	return true
}

// writePump is the only writer of c.t. Besides queued messages it sends a
// ping every PingPeriod.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	if d, ok := c.t.(deadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
	}
	if err := c.t.WriteMessage(messageType, data); err != nil {
		c.hub.logger.Debug("write failed, dropping connection", "group", c.group, "error", err)
		c.hub.Unregister(c)
		return false
	}
	return true
}
