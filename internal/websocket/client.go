package websocket

import (
	"context"
	"strings"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	// Clients only listen; anything larger than a control frame is abuse.
	readLimit = 512
)

// Client is a single websocket connection.
type Client struct {
	hub   *Hub
	conn  *ws.Conn
	send  chan []byte
	admin bool
	// topics limits delivery to these entities; nil means everything.
	topics map[string]struct{}
}

func NewClient(hub *Hub, conn *ws.Conn, admin bool, topics []string) *Client {
	conn.SetReadLimit(readLimit)
	return newClient(hub, conn, admin, topics)
}

func newClient(hub *Hub, conn *ws.Conn, admin bool, topics []string) *Client {
	c := &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		admin: admin,
	}
	if len(topics) > 0 {
		c.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			c.topics[t] = struct{}{}
		}
	}
	return c
}

func (c *Client) wants(entity string, adminOnly bool) bool {
	if adminOnly && !c.admin {
		return false
	}
	if c.topics == nil {
		return true
	}
	_, ok := c.topics[entity]
	return ok
}

// ParseTopics splits a comma separated ?topics= value.
func ParseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Run registers the client and pumps messages until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
}

// readPump discards incoming messages and returns when the connection ends.
func (c *Client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(ws.StatusGoingAway, "server closed")
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
