package reservation

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyBooked: the seat is in the ledger. Terminal for that seat.
	ErrAlreadyBooked = errors.New("seat already booked")
	// ErrHeldByOther: another holder has a live hold. Retry after its TTL.
	ErrHeldByOther = errors.New("seat held by another holder")
	// ErrSeatConflict: seats of a booking were taken since they were picked.
	ErrSeatConflict = errors.New("seat conflict")
	// ErrExpiredHold: the holder no longer holds the seat. Re-hold and retry.
	ErrExpiredHold = errors.New("hold expired or missing")

	ErrInvalid         = errors.New("invalid request")
	ErrTransient       = errors.New("temporarily unavailable")
	ErrBookingNotFound = errors.New("booking not found")
)

// SeatError carries the seats an operation failed on. It unwraps to Kind.
type SeatError struct {
	Kind  error
	Seats []int
}

func (e *SeatError) Error() string {
	return fmt.Sprintf("%v: seats %v", e.Kind, e.Seats)
}

func (e *SeatError) Unwrap() error { return e.Kind }

func seatError(kind error, seats ...int) error {
	return &SeatError{Kind: kind, Seats: seats}
}

// ConflictingSeats returns the seats attached to err, if any.
func ConflictingSeats(err error) []int {
	var se *SeatError
	if errors.As(err, &se) {
		return se.Seats
	}
	return nil
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
