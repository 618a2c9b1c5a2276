package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func barJSON(symbol, ts string, close float64) []byte {
	data, _ := json.Marshal(wsMessage{
		Type:      "bar",
		Symbol:    symbol,
		Interval:  "1m",
		Timestamp: ts,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	})
	return data
}

func testClient(url string) *WSClient {
	return NewWSClient(WSConfig{
		URL:              url,
		BackoffMin:       10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		SubscribesPerSec: 1000,
	})
}

func TestWSClientSubscribeAndReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSub := make(chan wsRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		gotSub <- req

		conn.WriteMessage(websocket.TextMessage, barJSON("acme", "2024-03-04T14:30:00Z", 100))
		conn.WriteMessage(websocket.TextMessage, barJSON("acme", "2024-03-04T14:31:00Z", 101))

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := testClient(wsURL(srv))
	require.NoError(t, client.Subscribe(context.Background(), []string{"acme"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case req := <-gotSub:
		assert.Equal(t, "subscribe", req.Event)
		assert.Equal(t, []string{"ACME"}, req.Symbols, "symbols are normalized on the wire")
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the subscribe request")
	}

	first := <-client.Events()
	assert.Equal(t, "ACME", first.Symbol)
	assert.Equal(t, 100.0, first.Bar.Close)
	assert.False(t, first.ReceivedAt.IsZero())

	second := <-client.Events()
	assert.Equal(t, 101.0, second.Bar.Close)
	assert.True(t, second.Bar.Timestamp.After(first.Bar.Timestamp))

	cancel()
	require.NoError(t, <-done)

	_, open := <-client.Events()
	assert.False(t, open, "event stream closes when the run loop exits")
}

func TestWSClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			// Drop the first connection immediately.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, barJSON("acme", "2024-03-04T14:30:00Z", 100))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := testClient(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case ev := <-client.Events():
		assert.Equal(t, "ACME", ev.Symbol)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
	assert.GreaterOrEqual(t, client.Dials(), uint64(2))
}

func TestWSClientSurvivesBadMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","symbol":"ACME","message":"throttled"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bar","symbol":"ACME","interval":"1m","timestamp":"2024-03-04T14:30:00Z","open":5,"high":4,"low":6,"close":5,"volume":1}`))
		conn.WriteMessage(websocket.TextMessage, barJSON("acme", "2024-03-04T14:30:00Z", 100))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := testClient(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case ev := <-client.Events():
		assert.Equal(t, 100.0, ev.Bar.Close, "only the valid bar comes through")
	case <-time.After(2 * time.Second):
		t.Fatal("valid bar never arrived")
	}
}

func TestWSClientKnownSymbol(t *testing.T) {
	client := testClient("ws://unused")
	ok, err := client.KnownSymbol(context.Background(), "ACME")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.KnownSymbol(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}
