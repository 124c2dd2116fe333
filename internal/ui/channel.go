// Package ui fans shell events out to connected renderer sockets. A
// Channel is the window-side mailbox views broadcast into; every attached
// websocket receives each envelope as JSON.
package ui

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Envelope is one outbound message: a named channel plus its payload.
type Envelope struct {
	Channel string `json:"channel"`
	Args    []any  `json:"args"`
}

type client struct {
	conn net.Conn
	out  chan []byte
}

// Channel broadcasts envelopes to every attached renderer socket. It
// satisfies view.Window.
type Channel struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewChannel builds an empty broadcaster.
func NewChannel() *Channel {
	return &Channel{clients: make(map[*client]struct{})}
}

// Send broadcasts one envelope. It never blocks on a slow socket; a client
// whose buffer is full is dropped.
func (c *Channel) Send(channel string, args ...any) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(Envelope{Channel: channel, Args: args})
	if err != nil {
		slog.Warn("envelope marshal failed", "channel", channel, "error", err)
		return
	}

	c.mu.Lock()
	var stale []*client
	for cl := range c.clients {
		select {
		case cl.out <- data:
		default:
			stale = append(stale, cl)
		}
	}
	for _, cl := range stale {
		delete(c.clients, cl)
	}
	c.mu.Unlock()

	for _, cl := range stale {
		slog.Warn("dropping slow renderer socket")
		cl.conn.Close()
	}
}

// Attach upgrades an HTTP request to a websocket and subscribes it to the
// broadcast stream until it disconnects.
func (c *Channel) Attach(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("renderer socket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, out: make(chan []byte, 256)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.clients[cl] = struct{}{}
	c.mu.Unlock()

	slog.Info("renderer socket attached", "remote", conn.RemoteAddr().String())
	go c.writeLoop(cl)
	go c.readLoop(cl)
}

func (c *Channel) writeLoop(cl *client) {
	for data := range cl.out {
		if err := wsutil.WriteServerText(cl.conn, data); err != nil {
			slog.Debug("renderer socket write failed", "error", err)
			c.detach(cl)
			return
		}
	}
}

// readLoop discards inbound frames; its job is noticing the disconnect.
func (c *Channel) readLoop(cl *client) {
	for {
		if _, err := wsutil.ReadClientText(cl.conn); err != nil {
			c.detach(cl)
			return
		}
	}
}

func (c *Channel) detach(cl *client) {
	c.mu.Lock()
	_, ok := c.clients[cl]
	if ok {
		delete(c.clients, cl)
	}
	c.mu.Unlock()
	if ok {
		cl.conn.Close()
		close(cl.out)
	}
}

// ClientCount reports the number of attached sockets.
func (c *Channel) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close drops every client and rejects future attaches.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	clients := make([]*client, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.clients = make(map[*client]struct{})
	c.mu.Unlock()

	for _, cl := range clients {
		cl.conn.Close()
		close(cl.out)
	}
}
