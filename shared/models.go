package shared

import (
	"encoding/json"
	"time"

	"cinema-seats/showkey"
)

// SeatStatus is the lifecycle state of one seat in one show.
type SeatStatus string

// Seat statuses
const (
	SeatAvailable SeatStatus = "available"
	SeatHeld      SeatStatus = "held"
	SeatBooked    SeatStatus = "booked"
)

// SeatState is a single seat as seen by viewers
type SeatState struct {
	SeatNumber int        `json:"seatNumber"`
	Status     SeatStatus `json:"status"`
	HolderID   string     `json:"holderId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// SeatUpdate is what every subscriber of a show receives. Seats carries the
// full non-available seat set; Reload tells clients to re-fetch status
// instead of trusting what they have cached. Seq grows with every change to
// the show so late deliveries can be discarded.
type SeatUpdate struct {
	ShowKey string      `json:"showKey"`
	Seq     uint64      `json:"seq"`
	Seats   []SeatState `json:"seats"`
	Reload  bool        `json:"reload,omitempty"`
}

// Message types for WebSocket communication
const (
	MessageTypeWelcome     = "WELCOME"
	MessageTypeSubscribe   = "SUBSCRIBE"
	MessageTypeUnsubscribe = "UNSUBSCRIBE"
	MessageTypeHoldSeat    = "HOLD_SEAT"
	MessageTypeReleaseSeat = "RELEASE_SEAT"
	MessageTypeBookSeats   = "BOOK_SEATS"
	MessageTypeSeatUpdate  = "SEAT_UPDATE"
	MessageTypeSeatReload  = "SEAT_RELOAD"
	MessageTypeVenueState  = "VENUE_STATE"
	MessageTypeError       = "ERROR"

	MessageTypeSubscribeAck        = "SUBSCRIBE_ACK"
	MessageTypeHoldSeatResponse    = "HOLD_SEAT_RESPONSE"
	MessageTypeReleaseSeatResponse = "RELEASE_SEAT_RESPONSE"
	MessageTypeBookSeatsResponse   = "BOOK_SEATS_RESPONSE"
)

// ClientMessage represents a message from the browser to the server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ServerMessage represents a message from the server to the browser
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// OperationResponse acknowledges a websocket command
type OperationResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SubscribeRequest selects the show a connection follows.
type SubscribeRequest struct {
	showkey.Show
	HolderID string `json:"holderId"`
}

// SeatRef addresses one seat claim; used by release and batch release.
type SeatRef struct {
	showkey.Show
	SeatNumber int    `json:"seatNumber"`
	HolderID   string `json:"holderId"`
}

// HoldRequest asks for an exclusive, time-limited claim on a seat.
type HoldRequest struct {
	SeatRef
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

type BatchReleaseRequest struct {
	Seats []SeatRef `json:"seats"`
}

// BookRequest promotes held seats into a booking. Payment has already been
// captured by the caller.
type BookRequest struct {
	showkey.Show
	SeatNumbers   []int  `json:"seatNumbers"`
	HolderID      string `json:"holderId"`
	BookingID     string `json:"bookingId,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	PaymentStatus string `json:"paymentStatus,omitempty"`
}

// HoldView describes a granted hold
type HoldView struct {
	ShowKey    string    `json:"showKey"`
	SeatNumber int       `json:"seatNumber"`
	HolderID   string    `json:"holderId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type HoldResponse struct {
	OK   bool     `json:"ok"`
	Hold HoldView `json:"hold"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type BatchReleaseResponse struct {
	OK            bool `json:"ok"`
	ReleasedCount int  `json:"releasedCount"`
}

// BookedSeat is one ledger row produced by a booking
type BookedSeat struct {
	ShowKey    string    `json:"showKey"`
	SeatNumber int       `json:"seatNumber"`
	BookingID  string    `json:"bookingId"`
	HolderID   string    `json:"holderId"`
	BookedAt   time.Time `json:"bookedAt"`
}

type BookResponse struct {
	OK          bool         `json:"ok"`
	BookingID   string       `json:"bookingId"`
	BookedSeats []BookedSeat `json:"bookedSeats"`
}

type CancelResponse struct {
	OK            bool   `json:"ok"`
	BookingID     string `json:"bookingId"`
	ReleasedCount int    `json:"releasedCount"`
}

// StatusResponse is the authoritative snapshot of a show
type StatusResponse struct {
	ShowKey     string      `json:"showKey"`
	Seq         uint64      `json:"seq"`
	BookedSeats []SeatState `json:"bookedSeats"`
	HeldSeats   []SeatState `json:"heldSeats"`
}

// Seats flattens the snapshot into the broadcast seat array.
func (s StatusResponse) Seats() []SeatState {
	out := make([]SeatState, 0, len(s.BookedSeats)+len(s.HeldSeats))
	out = append(out, s.BookedSeats...)
	return append(out, s.HeldSeats...)
}

// BookingView is the stored booking record
type BookingView struct {
	showkey.Show

	BookingID     string    `json:"bookingId"`
	ShowKey       string    `json:"showKey"`
	HolderID      string    `json:"holderId"`
	SeatNumbers   []int     `json:"seatNumbers"`
	Amount        int64     `json:"amount"`
	PaymentStatus string    `json:"paymentStatus"`
	Status        string    `json:"bookingStatus"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ErrorResponse represents an error message
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Conflicting []int  `json:"conflicting,omitempty"`
}
