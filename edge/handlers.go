package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cinema-seats/reservation"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

func (c *Client) handleMessage(ctx context.Context, msg *shared.ClientMessage) {
	c.logger.Debug("client message", zap.String("type", msg.Type))

	switch msg.Type {
	case shared.MessageTypeSubscribe:
		c.handleSubscribe(ctx, msg.Data)
	case shared.MessageTypeUnsubscribe:
		c.handleUnsubscribe()
	case shared.MessageTypeHoldSeat:
		c.handleHoldSeat(ctx, msg.Data)
	case shared.MessageTypeReleaseSeat:
		c.handleReleaseSeat(ctx, msg.Data)
	case shared.MessageTypeBookSeats:
		c.handleBookSeats(ctx, msg.Data)
	default:
		c.sendError(shared.CodeInvalid, "Unknown message type: "+msg.Type)
	}
}

func (c *Client) handleSubscribe(ctx context.Context, data json.RawMessage) {
	var req shared.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(shared.CodeInvalid, "Invalid subscribe request")
		return
	}
	show, err := req.Show.Normalize()
	if err != nil {
		c.sendError(shared.CodeInvalid, err.Error())
		return
	}
	key := show.MustKey().String()

	if c.showKey != "" && c.showKey != key {
		c.gateway.hub.Unsubscribe(c.sub, c.showKey)
	}
	c.show, c.showKey = show, key
	if h := strings.TrimSpace(req.HolderID); h != "" {
		c.holderID = h
	}
	// subscribe before the snapshot so no update slips between the two
	c.gateway.hub.Subscribe(c.sub, key)

	c.logger.Info("client subscribed", zap.String("show_key", key), zap.String("holder_id", c.holderID))
	c.sendMessage(shared.MessageTypeSubscribeAck, shared.OperationResponse{
		Success: true,
		Message: "Subscribed successfully",
		Data: map[string]interface{}{
			"clientId": c.id,
			"holderId": c.holderID,
			"showKey":  key,
		},
	})
	c.sendVenueState(ctx)
}

func (c *Client) handleUnsubscribe() {
	if c.showKey == "" {
		return
	}
	c.gateway.hub.Unsubscribe(c.sub, c.showKey)
	c.logger.Debug("client unsubscribed", zap.String("show_key", c.showKey))
	c.show, c.showKey = showkey.Show{}, ""
}

func (c *Client) handleHoldSeat(ctx context.Context, data json.RawMessage) {
	var req shared.HoldRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendOperationResponse(shared.MessageTypeHoldSeatResponse, false, "Invalid hold request", nil)
		return
	}
	c.fillDefaults(&req.Show, &req.HolderID)

	hold, err := c.gateway.seats.Hold(ctx, req)
	if err != nil {
		c.commandFailed(shared.MessageTypeHoldSeatResponse, err)
		return
	}
	c.track(req.Show, hold.SeatNumber, hold.HolderID)

	c.sendOperationResponse(shared.MessageTypeHoldSeatResponse, true,
		fmt.Sprintf("Seat %d held", hold.SeatNumber), hold)
	c.logger.Debug("seat held", zap.String("show_key", hold.ShowKey), zap.Int("seat", hold.SeatNumber))
}

func (c *Client) handleReleaseSeat(ctx context.Context, data json.RawMessage) {
	var req shared.SeatRef
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendOperationResponse(shared.MessageTypeReleaseSeatResponse, false, "Invalid release request", nil)
		return
	}
	c.fillDefaults(&req.Show, &req.HolderID)

	if err := c.gateway.seats.Release(ctx, req); err != nil {
		c.commandFailed(shared.MessageTypeReleaseSeatResponse, err)
		return
	}
	c.untrack(req.Show, []int{req.SeatNumber}, req.HolderID)

	c.sendOperationResponse(shared.MessageTypeReleaseSeatResponse, true,
		fmt.Sprintf("Seat %d released", req.SeatNumber),
		map[string]interface{}{"seatNumber": req.SeatNumber})
}

func (c *Client) handleBookSeats(ctx context.Context, data json.RawMessage) {
	var req shared.BookRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendOperationResponse(shared.MessageTypeBookSeatsResponse, false, "Invalid book request", nil)
		return
	}
	c.fillDefaults(&req.Show, &req.HolderID)

	resp, err := c.gateway.seats.Book(ctx, req)
	if err != nil {
		// seats dropped by a conflict are no longer held
		if seats := reservation.ConflictingSeats(err); len(seats) > 0 {
			c.untrack(req.Show, seats, req.HolderID)
		}
		c.commandFailed(shared.MessageTypeBookSeatsResponse, err)
		return
	}
	c.untrack(req.Show, req.SeatNumbers, req.HolderID)

	c.sendOperationResponse(shared.MessageTypeBookSeatsResponse, true,
		fmt.Sprintf("Booked %d seats", len(resp.BookedSeats)), resp)
	c.logger.Info("seats booked", zap.String("booking_id", resp.BookingID), zap.Int("seats", len(resp.BookedSeats)))
}

func (c *Client) sendVenueState(ctx context.Context) {
	status, err := c.gateway.seats.Status(ctx, c.show)
	if err != nil {
		c.logger.Error("failed to load venue state", zap.String("show_key", c.showKey), zap.Error(err))
		c.sendError(errorCode(err), "Failed to load venue state")
		return
	}
	c.sendMessage(shared.MessageTypeVenueState, status)
}

// fillDefaults uses the subscribed show and holder for fields a command
// leaves empty.
func (c *Client) fillDefaults(show *showkey.Show, holderID *string) {
	if *show == (showkey.Show{}) {
		*show = c.show
	}
	if n, err := show.Normalize(); err == nil {
		*show = n
	}
	if strings.TrimSpace(*holderID) == "" {
		*holderID = c.holderID
	}
}

func (c *Client) commandFailed(msgType string, err error) {
	code := errorCode(err)
	if code == shared.CodeTransient {
		c.logger.Error("seat command failed", zap.String("type", msgType), zap.Error(err))
	}
	c.sendMessage(msgType, shared.OperationResponse{
		Success: false,
		Message: err.Error(),
		Data: shared.ErrorResponse{
			Error:       err.Error(),
			Code:        code,
			Conflicting: reservation.ConflictingSeats(err),
		},
	})
}

func (c *Client) sendOperationResponse(msgType string, success bool, message string, data interface{}) {
	c.sendMessage(msgType, shared.OperationResponse{
		Success: success,
		Message: message,
		Data:    data,
	})
}
