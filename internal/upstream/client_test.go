package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed is a minimal upstream endpoint recording subscription frames.
type fakeFeed struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	frames   []subscribeFrame
	conns    []*websocket.Conn
	sessions int
}

func (f *fakeFeed) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.sessions++
	f.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame subscribeFrame
		if json.Unmarshal(raw, &frame) == nil {
			f.mu.Lock()
			f.frames = append(f.frames, frame)
			f.mu.Unlock()
		}
	}
}

func (f *fakeFeed) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeFeed) subscribeFrames() []subscribeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]subscribeFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeFeed) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClient_SubscribeAndResubscribeOnReconnect(t *testing.T) {
	feed := &fakeFeed{}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	c := NewClient(Config{
		URL:         wsURL(srv),
		BackoffBase: 20 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
		MaxAttempts: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	waitFor(t, func() bool { return c.State() == StateOpen }, "client never reached open")

	require.NoError(t, c.SubscribeTrades("BTC-USD"))
	require.NoError(t, c.SubscribeTicker("BTC-USD"))
	waitFor(t, func() bool { return len(feed.subscribeFrames()) == 2 }, "subscribe frames not received")

	// Kill the connection; both subscriptions must be re-sent after reconnect.
	feed.dropAll()
	waitFor(t, func() bool { return feed.sessionCount() >= 2 }, "client never reconnected")
	waitFor(t, func() bool { return len(feed.subscribeFrames()) >= 4 }, "subscriptions not replayed on reconnect")

	var resent []subscribeFrame
	frames := feed.subscribeFrames()
	for _, fr := range frames[2:] {
		if fr.Type == "subscribe" {
			resent = append(resent, fr)
		}
	}
	channels := map[string]bool{}
	for _, fr := range resent {
		channels[fr.Channel] = true
		assert.Equal(t, []string{"BTC-USD"}, fr.ProductIDs)
	}
	assert.True(t, channels[ChannelTrades], "trades subscription not replayed")
	assert.True(t, channels[ChannelTicker], "ticker subscription not replayed")

	cancel()
	c.Close()
}

func TestClient_UnsubscribeRemovesDesiredState(t *testing.T) {
	feed := &fakeFeed{}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	waitFor(t, func() bool { return c.State() == StateOpen }, "client never reached open")

	require.NoError(t, c.SubscribeTrades("ETH-USD"))
	require.NoError(t, c.Unsubscribe("ETH-USD", ChannelTrades))

	subs := c.ActiveSubscriptions()
	assert.Empty(t, subs["ETH-USD"])

	cancel()
	c.Close()
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	c := NewClient(Config{
		URL:         "ws://127.0.0.1:1", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		MaxAttempts: 3,
	})

	var mu sync.Mutex
	var states []State
	c.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)

	waitFor(t, func() bool { return c.State() == StateGaveUp }, "client never gave up")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateGaveUp, states[len(states)-1])
}
