package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialTestSession(t *testing.T, b *Bus) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ServeWS(b, zaptest.NewLogger(t), DefaultWebSocketConfig()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return b.Stats().Subscribers == 1 },
		time.Second, 5*time.Millisecond)
	return conn
}

func TestSessionDeliversEvents(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), nil)
	defer b.Close()
	conn := dialTestSession(t, b)

	b.Publish(context.Background(), NewEnvelope(KindBidPlaced, "42",
		BidPlacedPayload{Amount: 130, Strategy: "increment"}, time.Now().UTC()))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Envelope
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, KindBidPlaced, ev.Type)
	assert.Equal(t, "42", ev.AuctionID)
}

func TestSessionAnswersPing(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), nil)
	defer b.Close()
	conn := dialTestSession(t, b)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]any
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestSessionClientCloseDetaches(t *testing.T) {
	b := NewBus(zaptest.NewLogger(t), nil)
	defer b.Close()
	conn := dialTestSession(t, b)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return b.Stats().Subscribers == 0 },
		time.Second, 5*time.Millisecond)
}
