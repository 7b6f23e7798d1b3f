// Package holds is the in-memory table of in-progress seat claims.
//
// The table is split into one partition per show. A partition is the unit of
// serialization: callers Acquire it, mutate its holds, and Unlock it. Waiting
// callers are woken when the partition is unlocked, never by polling, and
// partitions of different shows never block each other.
package holds

import (
	"context"
	"sort"
	"sync"
	"time"

	"cinema-seats/showkey"
)

// Hold is an exclusive, time-limited claim on one seat.
type Hold struct {
	ShowKey    showkey.Key
	SeatNumber int
	HolderID   string
	ExpiresAt  time.Time
	// BookingID is set while the hold is being promoted into a booking.
	BookingID string
}

// Expired reports whether the hold has lapsed at now. A hold under promotion
// never expires.
func (h Hold) Expired(now time.Time) bool {
	return !h.Promoting() && !now.Before(h.ExpiresAt)
}

func (h Hold) Promoting() bool { return h.BookingID != "" }

// Table owns every partition. The zero value is not usable; call New.
type Table struct {
	mu    sync.Mutex
	parts map[showkey.Key]*Partition
	seq   uint64
}

func New() *Table {
	return &Table{parts: make(map[showkey.Key]*Partition)}
}

// Partition holds the claims of a single show. Every method except Key must
// be called between Acquire and Unlock.
type Partition struct {
	table *Table
	key   showkey.Key
	sem   chan struct{}
	refs  int // guarded by table.mu

	holds   map[int]Hold
	version uint64
	epoch   uint64
}

// Acquire locks the partition for key, creating it if needed. It blocks
// until the partition is free or ctx is done.
func (t *Table) Acquire(ctx context.Context, key showkey.Key) (*Partition, error) {
	t.mu.Lock()
	p, ok := t.parts[key]
	if !ok {
		p = &Partition{
			table: t,
			key:   key,
			sem:   make(chan struct{}, 1),
			holds: make(map[int]Hold),
		}
		p.version = t.nextLocked()
		p.epoch = p.version
		t.parts[key] = p
	}
	p.refs++
	t.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		return p, nil
	case <-ctx.Done():
		t.unref(p)
		return nil, ctx.Err()
	}
}

// Keys returns the shows that currently have a partition, which is every
// show with at least one hold plus any being operated on right now.
func (t *Table) Keys() []showkey.Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]showkey.Key, 0, len(t.parts))
	for k := range t.parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len is the number of live partitions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parts)
}

// next hands out table-wide increasing numbers so a partition recreated for
// the same show never repeats a version seen before.
func (t *Table) next() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextLocked()
}

func (t *Table) nextLocked() uint64 {
	t.seq++
	return t.seq
}

func (t *Table) unref(p *Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.refs--
	if p.refs == 0 && len(p.holds) == 0 {
		delete(t.parts, p.key)
	}
}

// Unlock releases the partition. Empty partitions nobody is waiting for are
// dropped from the table.
func (p *Partition) Unlock() {
	<-p.sem
	p.table.unref(p)
}

// Pause unlocks the partition but keeps it in the table, so its version and
// ledger epoch survive until Resume. A paused partition that is not resumed
// must be given back with Release.
func (p *Partition) Pause() {
	<-p.sem
}

// Resume relocks a paused partition. It blocks until the partition is free
// or ctx is done, in which case the partition is still paused.
func (p *Partition) Resume(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives back a paused partition without relocking it.
func (p *Partition) Release() {
	p.table.unref(p)
}

func (p *Partition) Key() showkey.Key { return p.key }

// Version changes on every mutation of the partition.
func (p *Partition) Version() uint64 { return p.version }

// LedgerEpoch changes whenever the ledger rows of this show change through
// MarkLedgerChanged. Readers that consult the ledger outside the lock use it
// to detect that their read went stale.
func (p *Partition) LedgerEpoch() uint64 { return p.epoch }

// MarkLedgerChanged records a ledger write for the show.
func (p *Partition) MarkLedgerChanged() {
	p.epoch = p.table.next()
	p.touch()
}

func (p *Partition) Get(seat int) (Hold, bool) {
	h, ok := p.holds[seat]
	return h, ok
}

// Put inserts or replaces the hold on h.SeatNumber.
func (p *Partition) Put(h Hold) {
	h.ShowKey = p.key
	p.holds[h.SeatNumber] = h
	p.touch()
}

// Delete removes the hold on seat and reports whether one existed.
func (p *Partition) Delete(seat int) (Hold, bool) {
	h, ok := p.holds[seat]
	if !ok {
		return Hold{}, false
	}
	delete(p.holds, seat)
	p.touch()
	return h, true
}

func (p *Partition) Len() int { return len(p.holds) }

// Active returns the holds that have not expired at now, ordered by seat.
func (p *Partition) Active(now time.Time) []Hold {
	out := make([]Hold, 0, len(p.holds))
	for _, h := range p.holds {
		if !h.Expired(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatNumber < out[j].SeatNumber })
	return out
}

// EvictExpired removes every hold that has expired at now and returns them
// ordered by seat.
func (p *Partition) EvictExpired(now time.Time) []Hold {
	var evicted []Hold
	for seat, h := range p.holds {
		if h.Expired(now) {
			evicted = append(evicted, h)
			delete(p.holds, seat)
		}
	}
	if len(evicted) == 0 {
		return nil
	}
	p.touch()
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].SeatNumber < evicted[j].SeatNumber })
	return evicted
}

func (p *Partition) touch() {
	p.version = p.table.next()
}
