// Package ledger is the durable record of sold seats. One row exists per
// booked (show, seat) pair, tagged with the booking that owns it; the
// booking record itself is written in the same atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"cinema-seats/showkey"
)

const maxBookingIDLen = 128

var (
	ErrSeatTaken       = errors.New("seat already booked")
	ErrBookingNotFound = errors.New("booking not found")
	ErrBookingExists   = errors.New("booking id already used")
	ErrInvalidBooking  = errors.New("invalid booking")
)

// TakenError lists the seats that already had ledger rows when a commit
// was attempted.
type TakenError struct {
	Seats []int
}

func (e *TakenError) Error() string {
	return fmt.Sprintf("seats already booked: %v", e.Seats)
}

func (e *TakenError) Unwrap() error { return ErrSeatTaken }

// BookingID is the canonical booking identifier. Build it with
// ParseBookingID at the system boundary.
type BookingID string

func (id BookingID) String() string { return string(id) }

// ParseBookingID trims raw and rejects empty, oversized, or whitespace
// bearing identifiers.
func ParseBookingID(raw string) (BookingID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: booking id is required", ErrInvalidBooking)
	}
	if len(s) > maxBookingIDLen {
		return "", fmt.Errorf("%w: booking id longer than %d bytes", ErrInvalidBooking, maxBookingIDLen)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: booking id contains whitespace", ErrInvalidBooking)
		}
	}
	return BookingID(s), nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Booking is the durable booking record.
type Booking struct {
	ID            BookingID
	Show          showkey.Show
	ShowKey       showkey.Key
	HolderID      string
	Seats         []int
	Amount        int64
	PaymentStatus string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Entry is one booked seat.
type Entry struct {
	ShowKey    showkey.Key `json:"showKey"`
	SeatNumber int         `json:"seatNumber"`
	BookingID  BookingID   `json:"bookingId"`
	HolderID   string      `json:"holderId"`
	BookedAt   time.Time   `json:"bookedAt"`
}

// Ledger is implemented by the memory, Redis and Postgres stores.
type Ledger interface {
	// Booked returns every booked seat of a show ordered by seat number.
	Booked(ctx context.Context, key showkey.Key) ([]Entry, error)
	// Lookup returns the rows among seats that are booked.
	Lookup(ctx context.Context, key showkey.Key, seats []int) ([]Entry, error)
	// Commit writes b and one row per seat, or nothing. A seat that already
	// has a row fails the whole commit with *TakenError.
	Commit(ctx context.Context, b Booking) ([]Entry, error)
	Booking(ctx context.Context, id BookingID) (Booking, error)
	ByBooking(ctx context.Context, id BookingID) ([]Entry, error)
	// Cancel marks the booking cancelled and deletes its rows. Rows at
	// (key, seats) are also deleted when their owning booking is id, is
	// missing, or is cancelled, so drifted rows don't stay orphaned.
	Cancel(ctx context.Context, id BookingID, key showkey.Key, seats []int) (int, error)
}

// validateCommit checks the fields every store relies on.
func validateCommit(b Booking) error {
	if b.ID == "" {
		return fmt.Errorf("%w: booking id is required", ErrInvalidBooking)
	}
	if b.ShowKey == "" {
		return fmt.Errorf("%w: show key is required", ErrInvalidBooking)
	}
	if len(b.Seats) == 0 {
		return fmt.Errorf("%w: no seats", ErrInvalidBooking)
	}
	seen := make(map[int]struct{}, len(b.Seats))
	for _, s := range b.Seats {
		if s <= 0 {
			return fmt.Errorf("%w: seat %d is not positive", ErrInvalidBooking, s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: seat %d listed twice", ErrInvalidBooking, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

func entriesFor(b Booking, at time.Time) []Entry {
	out := make([]Entry, 0, len(b.Seats))
	for _, s := range b.Seats {
		out = append(out, Entry{
			ShowKey:    b.ShowKey,
			SeatNumber: s,
			BookingID:  b.ID,
			HolderID:   b.HolderID,
			BookedAt:   at,
		})
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].SeatNumber < es[j].SeatNumber })
}
