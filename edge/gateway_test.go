package edge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cinema-seats/broadcast"
	"cinema-seats/ledger"
	"cinema-seats/metrics"
	"cinema-seats/reservation"
	"cinema-seats/shared"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testGateway struct {
	engine *reservation.Engine
	hub    *broadcast.Hub
	url    string
}

func setupGateway(t *testing.T) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := metrics.Nop()
	hub := broadcast.NewHub(m, zap.NewNop())
	go hub.Run(ctx)

	engine := reservation.New(ledger.NewMemory(), hub, reservation.Config{}, reservation.WithMetrics(m))
	gw := NewGateway(ctx, hub, NewLocal(engine), zap.NewNop())

	r := gin.New()
	gw.Register(r)
	r.GET(shared.APIEndpointHealth, gw.Health)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testGateway{
		engine: engine,
		hub:    hub,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + shared.WebSocketEndpoint,
	}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readUntil(t, conn, shared.MessageTypeWelcome)
	assert.Contains(t, string(msg.Data), "clientId")
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(shared.ClientMessage{Type: msgType, Data: raw}))
}

// readUntil skips messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wireMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)

		var msg wireMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, holder string) shared.StatusResponse {
	t.Helper()
	send(t, conn, shared.MessageTypeSubscribe, shared.SubscribeRequest{Show: show, HolderID: holder})
	readUntil(t, conn, shared.MessageTypeSubscribeAck)

	var status shared.StatusResponse
	require.NoError(t, json.Unmarshal(readUntil(t, conn, shared.MessageTypeVenueState).Data, &status))
	return status
}

func operation(t *testing.T, msg wireMessage) shared.OperationResponse {
	t.Helper()
	var resp shared.OperationResponse
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

func TestGateway_SubscribeSendsVenueState(t *testing.T) {
	g := setupGateway(t)
	_, err := g.engine.Hold(context.Background(), show.MustKey(), 4, "carol", 0)
	require.NoError(t, err)

	conn := g.dial(t)
	status := subscribe(t, conn, "alice")

	assert.Equal(t, show.MustKey().String(), status.ShowKey)
	require.Len(t, status.HeldSeats, 1)
	assert.Equal(t, 4, status.HeldSeats[0].SeatNumber)
	assert.Eventually(t, func() bool { return g.hub.SubscriberCount(status.ShowKey) == 1 }, time.Second, 10*time.Millisecond)
}

func TestGateway_HoldBroadcastsToViewers(t *testing.T) {
	g := setupGateway(t)
	alice := g.dial(t)
	bob := g.dial(t)
	subscribe(t, alice, "alice")
	subscribe(t, bob, "bob")

	send(t, alice, shared.MessageTypeHoldSeat, map[string]int{"seatNumber": 7})
	resp := operation(t, readUntil(t, alice, shared.MessageTypeHoldSeatResponse))
	require.True(t, resp.Success, resp.Message)

	var update shared.SeatUpdate
	require.NoError(t, json.Unmarshal(readUntil(t, bob, shared.MessageTypeSeatUpdate).Data, &update))
	require.Len(t, update.Seats, 1)
	assert.Equal(t, 7, update.Seats[0].SeatNumber)
	assert.Equal(t, shared.SeatHeld, update.Seats[0].Status)
	assert.Equal(t, "alice", update.Seats[0].HolderID)

	send(t, bob, shared.MessageTypeHoldSeat, map[string]int{"seatNumber": 7})
	resp = operation(t, readUntil(t, bob, shared.MessageTypeHoldSeatResponse))
	assert.False(t, resp.Success)
	assert.Contains(t, string(payload(resp)), shared.CodeHeldByOther)
}

func payload(resp shared.OperationResponse) []byte {
	raw, _ := json.Marshal(resp.Data)
	return raw
}

func TestGateway_BookSeats(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t)
	subscribe(t, conn, "alice")

	for _, seat := range []int{1, 2} {
		send(t, conn, shared.MessageTypeHoldSeat, map[string]int{"seatNumber": seat})
		require.True(t, operation(t, readUntil(t, conn, shared.MessageTypeHoldSeatResponse)).Success)
	}

	send(t, conn, shared.MessageTypeBookSeats, map[string]interface{}{"seatNumbers": []int{1, 2}, "bookingId": "bk-ws"})
	resp := operation(t, readUntil(t, conn, shared.MessageTypeBookSeatsResponse))
	require.True(t, resp.Success, resp.Message)

	status, err := g.engine.Status(context.Background(), show.MustKey())
	require.NoError(t, err)
	assert.Len(t, status.BookedSeats, 2)
	assert.Empty(t, status.HeldSeats)

	b, err := g.engine.Booking(context.Background(), "bk-ws")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.HolderID)
}

func TestGateway_DisconnectReleasesHolds(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t)
	subscribe(t, conn, "alice")

	for _, seat := range []int{5, 6} {
		send(t, conn, shared.MessageTypeHoldSeat, map[string]int{"seatNumber": seat})
		require.True(t, operation(t, readUntil(t, conn, shared.MessageTypeHoldSeatResponse)).Success)
	}
	send(t, conn, shared.MessageTypeReleaseSeat, map[string]int{"seatNumber": 6})
	require.True(t, operation(t, readUntil(t, conn, shared.MessageTypeReleaseSeatResponse)).Success)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		status, err := g.engine.Status(context.Background(), show.MustKey())
		return err == nil && len(status.HeldSeats) == 0
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return g.hub.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_RejectsBadMessages(t *testing.T) {
	g := setupGateway(t)
	conn := g.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readUntil(t, conn, shared.MessageTypeError)
	assert.Contains(t, string(msg.Data), shared.CodeInvalid)

	send(t, conn, "DANCE", map[string]string{})
	msg = readUntil(t, conn, shared.MessageTypeError)
	assert.Contains(t, string(msg.Data), "Unknown message type")

	send(t, conn, shared.MessageTypeSubscribe, map[string]string{"movieId": "dune-2"})
	readUntil(t, conn, shared.MessageTypeError)

	// holding without a subscription has no show to fall back on
	send(t, conn, shared.MessageTypeHoldSeat, map[string]interface{}{"seatNumber": 1, "holderId": "alice"})
	resp := operation(t, readUntil(t, conn, shared.MessageTypeHoldSeatResponse))
	assert.False(t, resp.Success)
	assert.Contains(t, string(payload(resp)), shared.CodeInvalid)
}
