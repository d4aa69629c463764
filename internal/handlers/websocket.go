package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"packetlens/internal/engine"
	"packetlens/internal/models"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 512 // buffered channel size; packets are dropped when full
)

// Client commands.
const (
	CmdSetFilter   = "set_filter"
	CmdClearFilter = "clear_filter"
	CmdGetStats    = "get_stats"
	CmdGetStream   = "get_stream"
	CmdListStreams = "list_streams"

	MsgStream  = "stream"
	MsgStreams = "streams"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient wraps a WebSocket connection and implements engine.Client.
type WSClient struct {
	conn   *websocket.Conn
	eng    *engine.Engine
	sendCh chan models.WSMessage
	done   chan struct{}
	log    *log.Entry
}

// NewWSClient creates a WSClient and registers it with the engine.
func NewWSClient(conn *websocket.Conn, eng *engine.Engine) *WSClient {
	c := &WSClient{
		conn:   conn,
		eng:    eng,
		sendCh: make(chan models.WSMessage, sendBuffer),
		done:   make(chan struct{}),
		log:    log.WithFields(log.Fields{"component": "ws", "remote": conn.RemoteAddr().String()}),
	}
	eng.RegisterClient(c)
	go c.writeLoop()
	return c
}

// SendMessage queues a message for async delivery. It never blocks: when the
// buffer is full packets are dropped and other messages evict the oldest
// queued one.
func (c *WSClient) SendMessage(msg models.WSMessage) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
	}
	if msg.Type == engine.MsgPacket {
		return nil
	}
	select {
	case <-c.sendCh:
	default:
	}
	select {
	case c.sendCh <- msg:
	default:
	}
	return nil
}

// writeLoop drains the send channel and writes to the WebSocket.
func (c *WSClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}

			// Flush whatever queued up meanwhile in one burst.
			n := len(c.sendCh)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.sendCh); err != nil {
					c.log.WithError(err).Debug("write failed")
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) write(msg models.WSMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// ReadLoop reads messages from the client and dispatches commands.
func (c *WSClient) ReadLoop() {
	defer func() {
		c.eng.UnregisterClient(c)
		close(c.done)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg models.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *WSClient) handleCommand(msg models.WSMessage) {
	switch msg.Type {
	case CmdSetFilter:
		if err := c.eng.SetFilter(msg.Payload); err != nil {
			c.sendError(err.Error())
		}

	case CmdClearFilter:
		c.eng.ClearFilter()

	case CmdGetStats:
		c.send(engine.MsgStats, c.eng.Stats())

	case CmdGetStream:
		var req models.StreamRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ID == "" {
			c.sendError("invalid get_stream payload")
			return
		}
		data := c.eng.StreamData(req.ID)
		if data == nil {
			c.sendError("unknown stream: " + req.ID)
			return
		}
		c.send(MsgStream, data)

	case CmdListStreams:
		c.send(MsgStreams, c.eng.Streams())

	default:
		c.sendError("unknown command: " + msg.Type)
	}
}

func (c *WSClient) send(typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.sendError("encode " + typ + ": " + err.Error())
		return
	}
	c.SendMessage(models.WSMessage{Type: typ, Payload: payload})
}

func (c *WSClient) sendError(message string) {
	payload, _ := json.Marshal(models.ErrorPayload{Message: message})
	c.SendMessage(models.WSMessage{Type: engine.MsgError, Payload: payload})
}

// HandleWebSocket is the HTTP handler for WebSocket upgrades.
func HandleWebSocket(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithField("component", "ws").WithError(err).Warn("upgrade failed")
			return
		}
		client := NewWSClient(conn, eng)
		client.ReadLoop()
	}
}
