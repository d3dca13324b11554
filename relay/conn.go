package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024 * 1024
)

// wsConn is one client connection on the relay server side.
type wsConn struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newConn(hub *Hub, conn *websocket.Conn) *wsConn {
	return &wsConn{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// readPump reads frames from the WebSocket and routes them to the hub.
func (c *wsConn) readPump() {
	defer func() {
		c.hub.detach <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay conn read error: %v", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(Frame{Type: FrameNotice, Message: "invalid frame"})
			continue
		}

		switch frame.Type {
		case FramePublish:
			if frame.Event == nil {
				c.sendFrame(Frame{Type: FrameNotice, Message: "publish without event"})
				continue
			}
			c.hub.publish <- publishReq{conn: c, ev: *frame.Event}
		case FrameSubscribe:
			c.hub.subscribe <- subscribeReq{
				conn:        c,
				id:          frame.SubID,
				filters:     frame.Filters,
				closeOnEOSE: frame.CloseOnEOSE,
			}
		case FrameUnsubscribe:
			c.hub.unsubscribe <- unsubscribeReq{conn: c, id: frame.SubID}
		default:
			c.sendFrame(Frame{Type: FrameNotice, Message: "unknown frame type: " + frame.Type})
		}
	}
}

// writePump writes frames from the send channel to the WebSocket.
func (c *wsConn) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) sendFrame(f Frame) {
	select {
	case c.send <- f.Encode():
	default:
		// Connection too slow, drop frame.
		log.Printf("relay conn: send buffer full, dropping %s frame", f.Type)
	}
}
