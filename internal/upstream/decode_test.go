package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes-stream/internal/model"
)

func newTestClient() *Client {
	return NewClient(Config{URL: "ws://unused"})
}

func TestDispatch_TradeFrame(t *testing.T) {
	c := newTestClient()

	frame := []byte(`{
		"channel": "market_trades",
		"events": [{
			"type": "update",
			"trades": [
				{"product_id":"BTC-USD","price":"50000.12","size":"0.5","side":"BUY","time":"2024-01-15T10:30:45.123Z"},
				{"product_id":"BTC-USD","price":"50001","size":"0.25","side":"SELL","time":"2024-01-15T10:30:46Z"}
			]
		}]
	}`)

	require.NoError(t, c.dispatch(frame))
	require.Len(t, c.events.Trades, 2)

	tr := <-c.events.Trades
	assert.Equal(t, "BTC-USD", tr.Product)
	assert.Equal(t, 50000.12, tr.Price)
	assert.Equal(t, 0.5, tr.Size)
	assert.Equal(t, model.SideBuy, tr.Side)
	// Millisecond precision is floored to seconds.
	assert.Equal(t, int64(1705314645), tr.TS)

	tr = <-c.events.Trades
	assert.Equal(t, model.SideSell, tr.Side)
}

func TestDispatch_TickerFrame(t *testing.T) {
	c := newTestClient()

	frame := []byte(`{
		"channel": "ticker",
		"events": [{
			"type": "snapshot",
			"tickers": [{
				"product_id":"ETH-USD","price":"3000","best_bid":"2999.5","best_ask":"3000.5",
				"volume_24_h":"1234.5","low_24_h":"2900","high_24_h":"3100","open_24_h":"2950"
			}]
		}]
	}`)

	require.NoError(t, c.dispatch(frame))
	require.Len(t, c.events.Tickers, 1)

	tk := <-c.events.Tickers
	assert.Equal(t, "ETH-USD", tk.ProductID)
	assert.Equal(t, 3000.0, tk.Price)
	assert.Equal(t, 2999.5, tk.BestBid)
	assert.InDelta(t, 50.0, tk.Change24h, 1e-9)
	assert.InDelta(t, 50.0/2950*100, tk.ChangePct24, 1e-9)
}

func TestDispatch_BookSnapshotAndUpdate(t *testing.T) {
	c := newTestClient()

	snapshot := []byte(`{
		"channel": "l2_data",
		"events": [{
			"type": "snapshot",
			"product_id": "BTC-USD",
			"updates": [
				{"side":"bid","price_level":"100","new_quantity":"1"},
				{"side":"bid","price_level":"99","new_quantity":"2"},
				{"side":"offer","price_level":"101","new_quantity":"1"}
			]
		}]
	}`)
	require.NoError(t, c.dispatch(snapshot))
	require.Len(t, c.events.Snapshots, 1)

	snap := <-c.events.Snapshots
	assert.Equal(t, "BTC-USD", snap.ProductID)
	assert.Len(t, snap.Bids, 2)
	assert.Len(t, snap.Asks, 1)
	assert.Equal(t, model.BookLevel{Price: 100, Size: 1}, snap.Bids[0])

	update := []byte(`{
		"channel": "l2_data",
		"events": [{
			"type": "update",
			"product_id": "BTC-USD",
			"updates": [
				{"side":"bid","price_level":"99","new_quantity":"0"},
				{"side":"offer","price_level":"102","new_quantity":"3"}
			]
		}]
	}`)
	require.NoError(t, c.dispatch(update))
	require.Len(t, c.events.Updates, 1)

	upd := <-c.events.Updates
	require.Len(t, upd.Changes, 2)
	assert.Equal(t, model.BidSide, upd.Changes[0].Side)
	assert.Equal(t, 0.0, upd.Changes[0].Size)
	assert.Equal(t, model.AskSide, upd.Changes[1].Side)
}

func TestDispatch_MalformedFrameReturnsError(t *testing.T) {
	c := newTestClient()

	assert.Error(t, c.dispatch([]byte(`{not json`)))
	assert.Error(t, c.dispatch([]byte(`{"channel":"market_trades","events":{"bad":"shape"}}`)))

	// Acks and keepalives are silently ignored.
	assert.NoError(t, c.dispatch([]byte(`{"channel":"subscriptions","events":[]}`)))
	assert.NoError(t, c.dispatch([]byte(`{"channel":"heartbeats"}`)))
}

func TestDispatch_MalformedTradeSkippedWithinBatch(t *testing.T) {
	c := newTestClient()
	decodeErrs := 0
	c.OnDecodeError = func() { decodeErrs++ }

	frame := []byte(`{
		"channel": "market_trades",
		"events": [{
			"type": "update",
			"trades": [
				{"product_id":"BTC-USD","price":"not-a-number","size":"0.5","side":"BUY","time":"2024-01-15T10:30:45Z"},
				{"product_id":"BTC-USD","price":"50001","size":"0.25","side":"SELL","time":"2024-01-15T10:30:46Z"}
			]
		}]
	}`)

	require.NoError(t, c.dispatch(frame))
	assert.Equal(t, 1, decodeErrs)
	require.Len(t, c.events.Trades, 1, "valid trades after a malformed one still flow")

	tr := <-c.events.Trades
	assert.Equal(t, 50001.0, tr.Price)
	assert.Equal(t, model.SideSell, tr.Side)
}

func TestAuthRejected(t *testing.T) {
	assert.True(t, authRejected([]byte(`{"type":"error","message":"authentication failure"}`)))
	assert.True(t, authRejected([]byte(`{"type":"error","message":"HTTP 401: unauthorized"}`)))
	assert.False(t, authRejected([]byte(`{"type":"error","message":"unknown product"}`)))
	assert.False(t, authRejected([]byte(`{"channel":"ticker","events":[]}`)))
}

func TestParseEventTime(t *testing.T) {
	ts, err := parseEventTime("2024-01-15T10:30:45Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1705314645), ts)

	// Epoch milliseconds floor to seconds.
	ts, err = parseEventTime("1705314645123")
	require.NoError(t, err)
	assert.Equal(t, int64(1705314645), ts)

	ts, err = parseEventTime("1705314645")
	require.NoError(t, err)
	assert.Equal(t, int64(1705314645), ts)

	_, err = parseEventTime("garbage")
	assert.Error(t, err)
}
