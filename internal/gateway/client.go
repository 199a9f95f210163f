package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendQueueSize  = 256
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	maxInboundSize = 4096
)

// outMessage is a queued frame plus its drop class: incomplete-candle
// frames are sacrificed first when the queue fills.
type outMessage struct {
	payload   []byte
	droppable bool
}

// Client is a single local WebSocket peer. One writePump goroutine owns
// the socket's write side; everything else enqueues.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan outMessage

	closeOnce sync.Once
	closed    chan struct{}

	// OnDropped counts frames shed under backpressure (optional).
	OnDropped func()
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan outMessage, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Send marshals and enqueues a frame for delivery. droppable marks frames
// that may be shed under backpressure. When the queue is full and the
// frame is not droppable, one queued message is discarded to make room;
// if that still fails the client is closed with 1013 (try again later).
func (c *Client) Send(v interface{}, droppable bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(outMessage{payload: payload, droppable: droppable})
}

func (c *Client) enqueue(msg outMessage) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- msg:
		return
	default:
	}

	if msg.droppable {
		if c.OnDropped != nil {
			c.OnDropped()
		}
		return
	}

	// Shed one queued frame so the mandatory one fits.
	select {
	case <-c.send:
		if c.OnDropped != nil {
			c.OnDropped()
		}
	default:
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("client", c.ID).Msg("client queue saturated, closing")
		c.CloseWithCode(websocket.CloseTryAgainLater, "slow consumer")
	}
}

// CloseWithCode sends a close frame and tears the socket down once.
func (c *Client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket and drives pings. It is
// the socket's only writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.CloseWithCode(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the socket dies, handing each to handle.
// Cleanup (registry drop etc.) runs via the server's onClose.
func (c *Client) readPump(handle func(raw []byte), onClose func()) {
	defer func() {
		onClose()
		c.CloseWithCode(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(raw)
	}
}
