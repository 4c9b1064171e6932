package relay

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/diaflow/engine/execution"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 512

	clientBuffer = 256
)

// Client is one WebSocket watcher of an execution. The server pushes
// events; the read side exists only for pong handling and disconnect
// detection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	execID execution.ID
	send   chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, execID execution.ID) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		execID: execID,
		send:   make(chan []byte, clientBuffer),
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read error", "execution_id", c.execID, "error", err)
			}
			return
		}
		// Client frames are ignored; this is a push-only stream.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// One frame per event so each payload parses on its own.
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			for range len(c.send) {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
