package hub

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Dispatcher processes inbound frames for a connection and observes its
// lifecycle. relayserver supplies the concrete implementation; hub owns only
// transport and registry concerns, keeping the split spec §4.E/§4.F draw
// between the connection manager and the protocol dispatcher.
type Dispatcher interface {
	OnOpen(c *Connection)
	Dispatch(c *Connection, frame []byte)
	OnClose(c *Connection)
}

// Serve upgrades ws into a registered Connection and runs its read/write
// pumps until the socket closes, then tears the connection down. Modeled on
// the teacher's internal/web.Server.handleWebSocket plus its
// readPump/writePump pair.
func (h *Hub) Serve(ws *websocket.Conn, d Dispatcher) {
	c := h.NewConnection(ws)
	d.OnOpen(c)

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump(d)
	<-done
	d.OnClose(c)
}

func (c *Connection) readPump(d Dispatcher) {
	defer c.hub.Drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] conn %d read error: %v", c.ID, err)
			}
			return
		}
		d.Dispatch(c, message)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
