package gateway

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// stalledClient builds a client whose writePump is not running, so the
// queue fills deterministically.
func stalledClient(t *testing.T) *Client {
	t.Helper()
	c, _ := wsPairNoWriter(t, "stalled")
	return c
}

func wsPairNoWriter(t *testing.T, id string) (*Client, *websocket.Conn) {
	t.Helper()
	c, peer := wsPair(t, id)
	// wsPair starts writePump; replace with a fresh client on the same conn
	// that has no writer.
	stalled := newClient(id+"-stalled", c.conn)
	return stalled, peer
}

func TestClient_DroppableFramesShedUnderBackpressure(t *testing.T) {
	c := stalledClient(t)
	var dropped int
	c.OnDropped = func() { dropped++ }

	for i := 0; i < sendQueueSize+50; i++ {
		c.Send(map[string]string{"type": "candle", "candleType": "incomplete"}, true)
	}

	assert.Equal(t, 50, dropped, "overflow incomplete frames are shed, socket stays open")
	select {
	case <-c.closed:
		t.Fatal("client must not close while shedding droppable frames")
	default:
	}
}

func TestClient_MandatoryFrameEvictsQueuedOne(t *testing.T) {
	c := stalledClient(t)
	var dropped int
	c.OnDropped = func() { dropped++ }

	for i := 0; i < sendQueueSize; i++ {
		c.Send(map[string]string{"type": "candle", "candleType": "incomplete"}, true)
	}
	c.Send(map[string]string{"type": "candle", "candleType": "complete"}, false)

	assert.Equal(t, 1, dropped, "one queued frame evicted to fit the mandatory one")
	select {
	case <-c.closed:
		t.Fatal("client must survive a single mandatory overflow")
	default:
	}
	assert.Len(t, c.send, sendQueueSize)
}

func TestClient_SendAfterCloseIsNoop(t *testing.T) {
	c := stalledClient(t)
	c.CloseWithCode(websocket.CloseTryAgainLater, "slow")

	before := len(c.send)
	c.Send(map[string]string{"type": "candle"}, false)
	assert.Equal(t, before, len(c.send))

	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("closed channel not signalled")
	}
}
