package shared

import "time"

// NATS subjects
const (
	NATSSubjectSeatUpdate = "seats.update"
	NATSSubjectSeatReload = "seats.reload"
	NATSSubjectAllSeats   = "seats.>"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeAlreadyBooked = "ALREADY_BOOKED"
	CodeHeldByOther   = "HELD_BY_OTHER"
	CodeSeatConflict  = "SEAT_CONFLICT"
	CodeExpiredHold   = "EXPIRED_HOLD"
	CodeInvalid       = "INVALID"
	CodeNotFound      = "NOT_FOUND"
	CodeTransient     = "TRANSIENT"
)

// Timeouts and durations
const (
	HoldDuration    = 5 * time.Minute
	MaxHoldDuration = 15 * time.Minute
	SweepInterval   = 30 * time.Second

	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongWait     = 60 * time.Second
	WebSocketPingPeriod   = (WebSocketPongWait * 9) / 10
	WebSocketMaxMessage   = 64 * 1024

	// how long a disconnect-triggered batch release may take
	UnloadReleaseTimeout = 5 * time.Second
)

// Server configuration
const (
	BookingServiceAddr = ":8080"
	DefaultEdgeAddr    = ":3000"
)

// API endpoints
const (
	APIEndpointStatus       = "/api/seats/status"
	APIEndpointHold         = "/api/seats/hold"
	APIEndpointRelease      = "/api/seats/release"
	APIEndpointBatchRelease = "/api/seats/release-batch"
	APIEndpointBook         = "/api/seats/book"
	APIEndpointBookings     = "/api/bookings"
	APIEndpointHealth       = "/health"
	APIEndpointMetrics      = "/metrics"
	APIEndpointStats        = "/stats"
	WebSocketEndpoint       = "/ws"
)
