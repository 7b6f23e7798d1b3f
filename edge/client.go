package edge

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cinema-seats/broadcast"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

// sendBuffer is the per-connection outbound queue length
const sendBuffer = 256

// Client is a middleman between the websocket connection and the hub
type Client struct {
	gateway *Gateway

	// The websocket connection
	conn *websocket.Conn

	// Mailbox registered with the hub
	sub *broadcast.Subscriber

	id string

	// show and holder chosen by the last SUBSCRIBE
	show     showkey.Show
	showKey  string
	holderID string

	// seats this connection holds, released when it drops
	mu   sync.Mutex
	held map[heldSeat]struct{}

	connectedAt time.Time
	logger      *zap.Logger
}

type heldSeat struct {
	show   showkey.Show
	seat   int
	holder string
}

// readPump pumps commands from the websocket connection to the gateway. It
// owns the connection's lifecycle: when it returns the client is gone.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gateway.hub.Unregister(c.sub)
		c.conn.Close()
		c.releaseHeld()
		c.logger.Info("client disconnected", zap.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	c.conn.SetReadLimit(shared.WebSocketMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(shared.WebSocketPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg shared.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug("malformed client message", zap.Error(err))
			c.sendError(shared.CodeInvalid, "Invalid message format")
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(shared.WebSocketPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	send := c.sub.Messages()
	for {
		select {
		case message, ok := <-send:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if !ok {
				// the hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(shared.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msgType string, data interface{}) {
	jsonData, err := json.Marshal(shared.ServerMessage{Type: msgType, Data: data})
	if err != nil {
		c.logger.Error("failed to marshal message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if !c.sub.Enqueue(jsonData) {
		c.logger.Warn("send buffer full, dropping message", zap.String("type", msgType))
	}
}

func (c *Client) sendError(code, message string, conflicting ...int) {
	c.sendMessage(shared.MessageTypeError, shared.ErrorResponse{Error: message, Code: code, Conflicting: conflicting})
}

func (c *Client) track(show showkey.Show, seat int, holder string) {
	c.mu.Lock()
	c.held[heldSeat{show: show, seat: seat, holder: holder}] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(show showkey.Show, seats []int, holder string) {
	c.mu.Lock()
	for _, s := range seats {
		delete(c.held, heldSeat{show: show, seat: s, holder: holder})
	}
	c.mu.Unlock()
}

// releaseHeld hands every seat the connection still holds back in one
// batch, without waiting for the result.
func (c *Client) releaseHeld() {
	c.mu.Lock()
	refs := make([]shared.SeatRef, 0, len(c.held))
	for h := range c.held {
		refs = append(refs, shared.SeatRef{Show: h.show, SeatNumber: h.seat, HolderID: h.holder})
	}
	c.held = make(map[heldSeat]struct{})
	c.mu.Unlock()

	if len(refs) == 0 {
		return
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].SeatNumber < refs[j].SeatNumber })

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shared.UnloadReleaseTimeout)
		defer cancel()

		n, err := c.gateway.seats.BatchRelease(ctx, refs)
		if err != nil {
			c.logger.Warn("disconnect release failed", zap.Int("seats", len(refs)), zap.Error(err))
			return
		}
		c.logger.Debug("released seats on disconnect", zap.Int("released", n))
	}()
}
