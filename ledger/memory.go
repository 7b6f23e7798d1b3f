package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"cinema-seats/showkey"
)

// Memory keeps the ledger in process. It backs tests and single-node
// development runs; nothing survives a restart.
type Memory struct {
	mu       sync.RWMutex
	seats    map[showkey.Key]map[int]Entry
	bookings map[BookingID]Booking
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		seats:    make(map[showkey.Key]map[int]Entry),
		bookings: make(map[BookingID]Booking),
		now:      time.Now,
	}
}

func (m *Memory) Booked(_ context.Context, key showkey.Key) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.seats[key]
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Lookup(_ context.Context, key showkey.Key, seats []int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.seats[key]
	var out []Entry
	for _, s := range seats {
		if e, ok := rows[s]; ok {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Commit(_ context.Context, b Booking) ([]Entry, error) {
	if err := validateCommit(b); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; ok {
		return nil, ErrBookingExists
	}
	rows := m.seats[b.ShowKey]
	var taken []int
	for _, s := range b.Seats {
		if _, ok := rows[s]; ok {
			taken = append(taken, s)
		}
	}
	if len(taken) > 0 {
		sort.Ints(taken)
		return nil, &TakenError{Seats: taken}
	}

	now := m.now()
	if rows == nil {
		rows = make(map[int]Entry, len(b.Seats))
		m.seats[b.ShowKey] = rows
	}
	entries := entriesFor(b, now)
	for _, e := range entries {
		rows[e.SeatNumber] = e
	}

	b.Seats = append([]int(nil), b.Seats...)
	b.Status = StatusConfirmed
	b.CreatedAt, b.UpdatedAt = now, now
	m.bookings[b.ID] = b
	return entries, nil
}

func (m *Memory) Booking(_ context.Context, id BookingID) (Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	b.Seats = append([]int(nil), b.Seats...)
	return b, nil
}

func (m *Memory) ByBooking(_ context.Context, id BookingID) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, rows := range m.seats {
		for _, e := range rows {
			if e.BookingID == id {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Cancel(_ context.Context, id BookingID, key showkey.Key, seats []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bookings[id]; ok {
		b.Status = StatusCancelled
		b.UpdatedAt = m.now()
		m.bookings[id] = b
	}

	removed := 0
	for k, rows := range m.seats {
		for s, e := range rows {
			if e.BookingID == id {
				delete(rows, s)
				removed++
			}
		}
		if len(rows) == 0 {
			delete(m.seats, k)
		}
	}

	if rows := m.seats[key]; rows != nil {
		for _, s := range seats {
			e, ok := rows[s]
			if !ok {
				continue
			}
			if owner, live := m.bookings[e.BookingID]; live && owner.Status != StatusCancelled {
				continue
			}
			delete(rows, s)
			removed++
		}
		if len(rows) == 0 {
			delete(m.seats, key)
		}
	}
	return removed, nil
}

var _ Ledger = (*Memory)(nil)
