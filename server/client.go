package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one websocket connection to the hub. The read pump owns
// inbound routing; the write pump owns the connection's write side.
type Client struct {
	server *DashServer
	conn   *websocket.Conn
	id     string

	// send queues pre-marshaled envelopes for the write pump. It is
	// never closed; done signals the pumps instead, so concurrent
	// senders can never hit a closed channel.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// subMu guards subscriptions: trace id to follower session id.
	subMu         sync.Mutex
	subscriptions map[string]string
}

func newClient(s *DashServer, conn *websocket.Conn) *Client {
	return &Client{
		server:        s,
		conn:          conn,
		id:            uuid.NewString(),
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]string),
	}
}

// sendEnvelope queues an envelope without blocking. It reports false when
// the message was dropped, either because the client is too far behind or
// already gone.
func (c *Client) sendEnvelope(env []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) subscribedTo(traceID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subscriptions[traceID]
	return ok
}

// takeSubscriptions empties and returns the subscription map so the hub
// can release the follower sessions exactly once.
func (c *Client) takeSubscriptions() map[string]string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]string)
	return subs
}

// close shuts the connection and wakes both pumps. Safe from any
// goroutine, any number of times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes client frames until the connection dies, then hands
// the client back to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
			c.close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debugw("Websocket read failed",
					"client_id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case msgSubscribeTrace:
		c.subscribe(msg.TraceID)
	case msgUnsubscribeTrace:
		c.unsubscribe(msg.TraceID)
	case msgPing:
		// Liveness only; the pong handler already reset the deadline.
	default:
		c.server.log.Debugw("Ignoring unknown websocket message",
			"client_id", c.id, "type", msg.Type)
	}
}

func (c *Client) subscribe(traceID string) {
	if traceID == "" {
		c.sendError("trace_id is required to subscribe")
		return
	}

	c.subMu.Lock()
	_, already := c.subscriptions[traceID]
	c.subMu.Unlock()
	if already {
		return
	}

	sessionID, err := c.server.Follow(traceID)
	if err != nil {
		c.server.log.Warnw("Subscribe failed",
			"client_id", c.id, "trace_id", traceID, "error", err)
		c.sendError(err.Error())
		return
	}

	c.subMu.Lock()
	c.subscriptions[traceID] = sessionID
	c.subMu.Unlock()

	c.server.log.Infow("Client subscribed to trace",
		"client_id", c.id, "trace_id", traceID)

	// The follower's primed refetch broadcasts the current hierarchy, but
	// an unchanged trace would be suppressed. Send this client its own
	// snapshot so it never joins blind.
	go c.server.sendSnapshot(c, traceID)
}

func (c *Client) unsubscribe(traceID string) {
	c.subMu.Lock()
	sessionID, ok := c.subscriptions[traceID]
	delete(c.subscriptions, traceID)
	c.subMu.Unlock()
	if !ok {
		return
	}

	if err := c.server.Unfollow(traceID, sessionID); err != nil {
		c.server.log.Warnw("Unsubscribe failed",
			"client_id", c.id, "trace_id", traceID, "error", err)
	}
	c.server.log.Infow("Client unsubscribed from trace",
		"client_id", c.id, "trace_id", traceID)
}

func (c *Client) sendError(message string) {
	env, err := marshalEnvelope(EventError, map[string]string{"message": message})
	if err != nil {
		return
	}
	c.sendEnvelope(env)
}

// writePump drains the send queue and keeps the connection alive with
// pings. It owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
