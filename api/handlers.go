// Package api exposes the reservation engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cinema-seats/holds"
	"cinema-seats/ledger"
	"cinema-seats/reservation"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

// Service is the engine surface the handlers need.
type Service interface {
	Hold(ctx context.Context, key showkey.Key, seat int, holderID string, ttl time.Duration) (holds.Hold, error)
	Release(ctx context.Context, key showkey.Key, seat int, holderID string) error
	BatchRelease(ctx context.Context, claims []reservation.Claim) int
	Book(ctx context.Context, req reservation.BookRequest) ([]ledger.Entry, error)
	CancelBooking(ctx context.Context, id ledger.BookingID) (reservation.CancelResult, error)
	Booking(ctx context.Context, id ledger.BookingID) (ledger.Booking, error)
	Status(ctx context.Context, key showkey.Key) (shared.StatusResponse, error)
}

type Handler struct {
	svc    Service
	logger *zap.Logger
	newID  func() string
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// Register mounts the seat and booking routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET(shared.APIEndpointStatus, h.handleStatus)
	r.POST(shared.APIEndpointHold, h.handleHold)
	r.POST(shared.APIEndpointRelease, h.handleRelease)
	r.POST(shared.APIEndpointBatchRelease, h.handleBatchRelease)
	r.POST(shared.APIEndpointBook, h.handleBook)
	r.POST(shared.APIEndpointBookings+"/:id/cancel", h.handleCancel)
	r.GET(shared.APIEndpointBookings+"/:id", h.handleGetBooking)
}

func (h *Handler) handleStatus(c *gin.Context) {
	var show showkey.Show
	if err := c.ShouldBindQuery(&show); err != nil {
		badRequest(c, "Invalid query")
		return
	}
	key, err := show.Key()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	status, err := h.svc.Status(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) handleHold(c *gin.Context) {
	var req shared.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	key, err := req.Show.Key()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	hold, err := h.svc.Hold(c.Request.Context(), key, req.SeatNumber, req.HolderID, ttl)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, shared.HoldResponse{OK: true, Hold: reservation.HoldView(hold)})
}

func (h *Handler) handleRelease(c *gin.Context) {
	var req shared.SeatRef
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	key, err := req.Show.Key()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.svc.Release(c.Request.Context(), key, req.SeatNumber, req.HolderID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared.OKResponse{OK: true})
}

func (h *Handler) handleBatchRelease(c *gin.Context) {
	var req shared.BatchReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if len(req.Seats) == 0 {
		badRequest(c, "seats must not be empty")
		return
	}

	claims := make([]reservation.Claim, 0, len(req.Seats))
	for _, s := range req.Seats {
		key, err := s.Show.Key()
		if err != nil {
			// one bad entry never fails the batch
			continue
		}
		claims = append(claims, reservation.Claim{ShowKey: key, SeatNumber: s.SeatNumber, HolderID: s.HolderID})
	}

	released := h.svc.BatchRelease(c.Request.Context(), claims)
	c.JSON(http.StatusOK, shared.BatchReleaseResponse{OK: true, ReleasedCount: released})
}

func (h *Handler) handleBook(c *gin.Context) {
	var req shared.BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	key, err := req.Show.Key()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	rawID := req.BookingID
	if rawID == "" {
		rawID = h.newID()
	}
	id, err := ledger.ParseBookingID(rawID)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	entries, err := h.svc.Book(c.Request.Context(), reservation.BookRequest{
		ShowKey:       key,
		Seats:         req.SeatNumbers,
		HolderID:      req.HolderID,
		BookingID:     id,
		Amount:        req.Amount,
		PaymentStatus: req.PaymentStatus,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, shared.BookResponse{
		OK:          true,
		BookingID:   id.String(),
		BookedSeats: reservation.BookedSeats(entries),
	})
}

func (h *Handler) handleCancel(c *gin.Context) {
	id, err := ledger.ParseBookingID(c.Param("id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.svc.CancelBooking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared.CancelResponse{OK: true, BookingID: res.BookingID.String(), ReleasedCount: res.Released})
}

func (h *Handler) handleGetBooking(c *gin.Context) {
	id, err := ledger.ParseBookingID(c.Param("id"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	b, err := h.svc.Booking(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, shared.BookingView{
		Show:          b.Show,
		BookingID:     b.ID.String(),
		ShowKey:       b.ShowKey.String(),
		HolderID:      b.HolderID,
		SeatNumbers:   b.Seats,
		Amount:        b.Amount,
		PaymentStatus: b.PaymentStatus,
		Status:        string(b.Status),
		CreatedAt:     b.CreatedAt,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, shared.ErrorResponse{Error: msg, Code: shared.CodeInvalid})
}

// writeError maps engine errors onto status codes and error codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, reservation.ErrInvalid):
		status, code = http.StatusBadRequest, shared.CodeInvalid
	case errors.Is(err, reservation.ErrBookingNotFound):
		status, code = http.StatusNotFound, shared.CodeNotFound
	case errors.Is(err, reservation.ErrAlreadyBooked):
		status, code = http.StatusConflict, shared.CodeAlreadyBooked
	case errors.Is(err, reservation.ErrHeldByOther):
		status, code = http.StatusConflict, shared.CodeHeldByOther
	case errors.Is(err, reservation.ErrSeatConflict):
		status, code = http.StatusConflict, shared.CodeSeatConflict
	case errors.Is(err, reservation.ErrExpiredHold):
		status, code = http.StatusConflict, shared.CodeExpiredHold
	case errors.Is(err, reservation.ErrTransient):
		status, code = http.StatusServiceUnavailable, shared.CodeTransient
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.JSON(status, shared.ErrorResponse{
		Error:       err.Error(),
		Code:        code,
		Conflicting: reservation.ConflictingSeats(err),
	})
}
