// Package edge is the websocket gateway viewers connect to. It relays seat
// commands to the reservation engine and streams the show's seat updates
// back.
package edge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"cinema-seats/ledger"
	"cinema-seats/reservation"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

// SeatService executes seat commands on behalf of connected clients. It is
// satisfied by BookingClient when the engine runs in another process and by
// Local when it runs in this one.
type SeatService interface {
	Status(ctx context.Context, show showkey.Show) (shared.StatusResponse, error)
	Hold(ctx context.Context, req shared.HoldRequest) (shared.HoldView, error)
	Release(ctx context.Context, ref shared.SeatRef) error
	BatchRelease(ctx context.Context, refs []shared.SeatRef) (int, error)
	Book(ctx context.Context, req shared.BookRequest) (shared.BookResponse, error)
}

// Local adapts an in-process engine to SeatService.
type Local struct {
	engine *reservation.Engine
	newID  func() string
}

func NewLocal(engine *reservation.Engine) *Local {
	return &Local{engine: engine, newID: uuid.NewString}
}

func (l *Local) Status(ctx context.Context, show showkey.Show) (shared.StatusResponse, error) {
	key, err := showKey(show)
	if err != nil {
		return shared.StatusResponse{}, err
	}
	return l.engine.Status(ctx, key)
}

func (l *Local) Hold(ctx context.Context, req shared.HoldRequest) (shared.HoldView, error) {
	key, err := showKey(req.Show)
	if err != nil {
		return shared.HoldView{}, err
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	h, err := l.engine.Hold(ctx, key, req.SeatNumber, req.HolderID, ttl)
	if err != nil {
		return shared.HoldView{}, err
	}
	return reservation.HoldView(h), nil
}

func (l *Local) Release(ctx context.Context, ref shared.SeatRef) error {
	key, err := showKey(ref.Show)
	if err != nil {
		return err
	}
	return l.engine.Release(ctx, key, ref.SeatNumber, ref.HolderID)
}

func (l *Local) BatchRelease(ctx context.Context, refs []shared.SeatRef) (int, error) {
	claims := make([]reservation.Claim, 0, len(refs))
	for _, r := range refs {
		key, err := showKey(r.Show)
		if err != nil {
			continue
		}
		claims = append(claims, reservation.Claim{ShowKey: key, SeatNumber: r.SeatNumber, HolderID: r.HolderID})
	}
	return l.engine.BatchRelease(ctx, claims), nil
}

func (l *Local) Book(ctx context.Context, req shared.BookRequest) (shared.BookResponse, error) {
	key, err := showKey(req.Show)
	if err != nil {
		return shared.BookResponse{}, err
	}
	raw := req.BookingID
	if raw == "" {
		raw = l.newID()
	}
	id, err := ledger.ParseBookingID(raw)
	if err != nil {
		return shared.BookResponse{}, errors.Join(reservation.ErrInvalid, err)
	}

	entries, err := l.engine.Book(ctx, reservation.BookRequest{
		ShowKey:       key,
		Seats:         req.SeatNumbers,
		HolderID:      req.HolderID,
		BookingID:     id,
		Amount:        req.Amount,
		PaymentStatus: req.PaymentStatus,
	})
	if err != nil {
		return shared.BookResponse{}, err
	}
	return shared.BookResponse{OK: true, BookingID: id.String(), BookedSeats: reservation.BookedSeats(entries)}, nil
}

func showKey(show showkey.Show) (showkey.Key, error) {
	key, err := show.Key()
	if err != nil {
		return "", errors.Join(reservation.ErrInvalid, err)
	}
	return key, nil
}

// errorCode maps a SeatService error onto the code sent to the browser.
func errorCode(err error) string {
	switch {
	case errors.Is(err, reservation.ErrInvalid):
		return shared.CodeInvalid
	case errors.Is(err, reservation.ErrAlreadyBooked):
		return shared.CodeAlreadyBooked
	case errors.Is(err, reservation.ErrHeldByOther):
		return shared.CodeHeldByOther
	case errors.Is(err, reservation.ErrSeatConflict):
		return shared.CodeSeatConflict
	case errors.Is(err, reservation.ErrExpiredHold):
		return shared.CodeExpiredHold
	case errors.Is(err, reservation.ErrBookingNotFound):
		return shared.CodeNotFound
	default:
		return shared.CodeTransient
	}
}

var (
	_ SeatService = (*Local)(nil)
	_ SeatService = (*BookingClient)(nil)
)
