package reservation

import (
	"cinema-seats/holds"
	"cinema-seats/ledger"
	"cinema-seats/shared"
)

// HoldView converts a granted hold into its wire form.
func HoldView(h holds.Hold) shared.HoldView {
	return shared.HoldView{
		ShowKey:    h.ShowKey.String(),
		SeatNumber: h.SeatNumber,
		HolderID:   h.HolderID,
		ExpiresAt:  h.ExpiresAt,
	}
}

// BookedSeats converts ledger rows into their wire form.
func BookedSeats(entries []ledger.Entry) []shared.BookedSeat {
	out := make([]shared.BookedSeat, 0, len(entries))
	for _, e := range entries {
		out = append(out, shared.BookedSeat{
			ShowKey:    e.ShowKey.String(),
			SeatNumber: e.SeatNumber,
			BookingID:  e.BookingID.String(),
			HolderID:   e.HolderID,
			BookedAt:   e.BookedAt,
		})
	}
	return out
}
