// Package reservation coordinates holds and bookings for every show.
//
// All state changes for one show are serialized on that show's hold table
// partition. Ledger I/O never happens while the partition is locked: Hold
// pauses the partition while it reads the ledger and re-validates with the
// partition's ledger epoch, and Book marks its holds as promoting, commits
// to the ledger unlocked, then finalizes under the lock. The ledger's atomic
// conditional insert decides every race for a seat.
package reservation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"cinema-seats/broadcast"
	"cinema-seats/events"
	"cinema-seats/holds"
	"cinema-seats/ledger"
	"cinema-seats/metrics"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

// Hold retries this many times when the ledger changes under it.
const maxHoldAttempts = 3

type Config struct {
	// HoldTTL applies when a caller asks for no particular TTL.
	HoldTTL time.Duration
	// MaxHoldTTL caps requested TTLs.
	MaxHoldTTL time.Duration
	// LockWait bounds how long an operation waits for a show's lock.
	LockWait time.Duration
	// SettleWait bounds how long a caller waits to settle holds after a
	// ledger write. Past it the settling finishes in the background.
	SettleWait time.Duration
}

type Engine struct {
	ledger    ledger.Ledger
	holds     *holds.Table
	publisher broadcast.Publisher
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHoldTable injects the hold table, mainly so tests can inspect it.
func WithHoldTable(t *holds.Table) Option {
	return func(e *Engine) { e.holds = t }
}

func New(l ledger.Ledger, pub broadcast.Publisher, cfg Config, opts ...Option) *Engine {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = shared.HoldDuration
	}
	if cfg.MaxHoldTTL <= 0 {
		cfg.MaxHoldTTL = shared.MaxHoldDuration
	}
	if cfg.MaxHoldTTL < cfg.HoldTTL {
		cfg.MaxHoldTTL = cfg.HoldTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 5 * cfg.LockWait
	}

	e := &Engine{
		ledger:    l,
		holds:     holds.New(),
		publisher: pub,
		events:    events.Nop{},
		logger:    zap.NewNop(),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop()
	}
	return e
}

// Hold gives holderID an exclusive claim on seat until the TTL lapses. A
// repeated Hold by the same holder refreshes the expiry.
func (e *Engine) Hold(ctx context.Context, key showkey.Key, seat int, holderID string, ttl time.Duration) (holds.Hold, error) {
	h, refreshed, err := e.hold(ctx, key, seat, holderID, ttl)
	e.metrics.HoldsTotal.WithLabelValues(holdResult(refreshed, err)).Inc()
	return h, err
}

func (e *Engine) hold(ctx context.Context, key showkey.Key, seat int, holderID string, ttl time.Duration) (holds.Hold, bool, error) {
	holderID = strings.TrimSpace(holderID)
	if err := validateKey(key); err != nil {
		return holds.Hold{}, false, err
	}
	if seat <= 0 {
		return holds.Hold{}, false, invalidf("seat number must be positive, got %d", seat)
	}
	if holderID == "" {
		return holds.Hold{}, false, invalidf("holder id is required")
	}
	ttl = e.holdTTL(ttl)

	for attempt := 0; attempt < maxHoldAttempts; attempt++ {
		p, err := e.lock(ctx, key)
		if err != nil {
			return holds.Hold{}, false, err
		}
		if blockedBy(p, seat, holderID, e.now()) {
			p.Unlock()
			return holds.Hold{}, false, seatError(ErrHeldByOther, seat)
		}
		epoch := p.LedgerEpoch()
		p.Pause()

		booked, err := e.ledger.Lookup(ctx, key, []int{seat})
		if err != nil {
			p.Release()
			return holds.Hold{}, false, transient("ledger lookup", err)
		}

		if err := e.relock(ctx, p); err != nil {
			p.Release()
			return holds.Hold{}, false, err
		}
		if p.LedgerEpoch() != epoch {
			p.Unlock()
			e.logger.Debug("ledger changed during hold, retrying",
				zap.String("show_key", key.String()), zap.Int("seat", seat), zap.Int("attempt", attempt+1))
			continue
		}
		if len(booked) > 0 {
			p.Unlock()
			return holds.Hold{}, false, seatError(ErrAlreadyBooked, seat)
		}
		now := e.now()
		if blockedBy(p, seat, holderID, now) {
			p.Unlock()
			return holds.Hold{}, false, seatError(ErrHeldByOther, seat)
		}

		prev, had := p.Get(seat)
		refreshed := had && prev.HolderID == holderID && !prev.Expired(now)
		h := holds.Hold{SeatNumber: seat, HolderID: holderID, ExpiresAt: now.Add(ttl)}
		p.Put(h)
		h, _ = p.Get(seat)
		held, seq := p.Active(now), p.Version()
		p.Unlock()

		e.logger.Debug("seat held",
			zap.String("show_key", key.String()),
			zap.Int("seat", seat),
			zap.String("holder_id", holderID),
			zap.Bool("refreshed", refreshed),
			zap.Time("expires_at", h.ExpiresAt),
		)
		e.announce(ctx, key, held, seq, false)
		return h, refreshed, nil
	}
	return holds.Hold{}, false, transient("hold", errors.New("ledger kept changing"))
}

// blockedBy reports whether seat is claimed by someone other than holderID,
// or is being promoted into a booking.
func blockedBy(p *holds.Partition, seat int, holderID string, now time.Time) bool {
	h, ok := p.Get(seat)
	if !ok {
		return false
	}
	if h.Promoting() {
		return true
	}
	return h.HolderID != holderID && !h.Expired(now)
}

// Release drops holderID's hold on seat. Releasing a seat the caller does
// not hold is a successful no-op.
func (e *Engine) Release(ctx context.Context, key showkey.Key, seat int, holderID string) error {
	holderID = strings.TrimSpace(holderID)
	if err := validateKey(key); err != nil {
		return err
	}
	if seat <= 0 || holderID == "" {
		return invalidf("seat number and holder id are required")
	}

	p, err := e.lock(ctx, key)
	if err != nil {
		return err
	}
	if !releasable(p, seat, holderID) {
		p.Unlock()
		return nil
	}
	p.Delete(seat)
	now := e.now()
	held, seq := p.Active(now), p.Version()
	p.Unlock()

	e.metrics.HoldsRemovedTotal.WithLabelValues("release").Inc()
	e.logger.Debug("seat released",
		zap.String("show_key", key.String()), zap.Int("seat", seat), zap.String("holder_id", holderID))
	e.announce(ctx, key, held, seq, false)
	return nil
}

func releasable(p *holds.Partition, seat int, holderID string) bool {
	h, ok := p.Get(seat)
	return ok && h.HolderID == holderID && !h.Promoting()
}

// Claim names one hold for BatchRelease.
type Claim struct {
	ShowKey    showkey.Key
	SeatNumber int
	HolderID   string
}

// BatchRelease releases every claim the caller actually owns and returns
// how many holds were removed. Entries that are not owned, malformed, or on
// a show whose lock can't be taken are skipped. Each affected show gets a
// single broadcast.
func (e *Engine) BatchRelease(ctx context.Context, claims []Claim) int {
	var (
		order   []showkey.Key
		byShow  = make(map[showkey.Key][]Claim)
		removed int
	)
	for _, c := range claims {
		c.HolderID = strings.TrimSpace(c.HolderID)
		if validateKey(c.ShowKey) != nil || c.SeatNumber <= 0 || c.HolderID == "" {
			continue
		}
		if _, ok := byShow[c.ShowKey]; !ok {
			order = append(order, c.ShowKey)
		}
		byShow[c.ShowKey] = append(byShow[c.ShowKey], c)
	}

	for _, key := range order {
		p, err := e.lock(ctx, key)
		if err != nil {
			e.logger.Warn("batch release skipped show",
				zap.String("show_key", key.String()), zap.Error(err))
			continue
		}
		n := 0
		for _, c := range byShow[key] {
			if releasable(p, c.SeatNumber, c.HolderID) {
				p.Delete(c.SeatNumber)
				n++
			}
		}
		if n == 0 {
			p.Unlock()
			continue
		}
		now := e.now()
		held, seq := p.Active(now), p.Version()
		p.Unlock()

		removed += n
		e.metrics.HoldsRemovedTotal.WithLabelValues("batch_release").Add(float64(n))
		e.announce(ctx, key, held, seq, false)
	}

	e.logger.Debug("batch release", zap.Int("requested", len(claims)), zap.Int("released", removed))
	return removed
}

// BookRequest is a paid-for booking of held seats.
type BookRequest struct {
	ShowKey       showkey.Key
	Seats         []int
	HolderID      string
	BookingID     ledger.BookingID
	Amount        int64
	PaymentStatus string
}

// Book turns the holder's holds into ledger rows, all seats or none. Every
// seat must carry a live hold owned by the holder.
func (e *Engine) Book(ctx context.Context, req BookRequest) ([]ledger.Entry, error) {
	entries, err := e.book(ctx, req)
	e.metrics.BookingsTotal.WithLabelValues(bookResult(err)).Inc()
	return entries, err
}

func (e *Engine) book(ctx context.Context, req BookRequest) ([]ledger.Entry, error) {
	show, seats, err := validateBook(&req)
	if err != nil {
		return nil, err
	}
	key := req.ShowKey
	log := e.logger.With(
		zap.String("show_key", key.String()),
		zap.String("booking_id", req.BookingID.String()),
		zap.String("holder_id", req.HolderID),
	)

	p, err := e.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var missing, conflict []int
	for _, seat := range seats {
		h, ok := p.Get(seat)
		switch {
		case !ok:
			missing = append(missing, seat)
		case h.Promoting():
			conflict = append(conflict, seat)
		case h.HolderID != req.HolderID:
			if h.Expired(now) {
				missing = append(missing, seat)
			} else {
				conflict = append(conflict, seat)
			}
		case h.Expired(now):
			missing = append(missing, seat)
		}
	}
	if len(missing) > 0 || len(conflict) > 0 {
		p.Unlock()
		return nil, e.rejectBook(ctx, key, missing, conflict, log)
	}
	for _, seat := range seats {
		h, _ := p.Get(seat)
		h.BookingID = req.BookingID.String()
		p.Put(h)
	}
	p.Unlock()

	entries, err := e.ledger.Commit(ctx, ledger.Booking{
		ID:            req.BookingID,
		Show:          show,
		ShowKey:       key,
		HolderID:      req.HolderID,
		Seats:         seats,
		Amount:        req.Amount,
		PaymentStatus: req.PaymentStatus,
	})

	var taken *ledger.TakenError
	switch {
	case err == nil:
	case errors.As(err, &taken):
		e.finishPromotion(ctx, key, req.BookingID, taken.Seats)
		log.Info("booking lost seats to another booking", zap.Ints("seats", taken.Seats))
		return nil, seatError(ErrSeatConflict, taken.Seats...)
	case errors.Is(err, ledger.ErrBookingExists):
		if entries, ok := e.sameBooking(ctx, req, seats); ok {
			e.finishPromotion(ctx, key, req.BookingID, seats)
			log.Info("booking already committed, treating retry as success")
			return entries, nil
		}
		e.finishPromotion(ctx, key, req.BookingID, nil)
		return nil, invalidf("booking id %s already used", req.BookingID)
	case errors.Is(err, ledger.ErrInvalidBooking):
		e.finishPromotion(ctx, key, req.BookingID, nil)
		return nil, invalidf("%v", err)
	default:
		e.finishPromotion(ctx, key, req.BookingID, nil)
		log.Error("ledger commit failed", zap.Error(err))
		return nil, transient("ledger commit", err)
	}

	e.finishPromotion(ctx, key, req.BookingID, seats)
	e.metrics.HoldsRemovedTotal.WithLabelValues("booked").Add(float64(len(seats)))
	log.Info("seats booked", zap.Ints("seats", seats))

	e.emit(ctx, events.BookingEvent{
		Type:       events.BookingConfirmed,
		BookingID:  req.BookingID.String(),
		ShowKey:    key.String(),
		HolderID:   req.HolderID,
		Seats:      seats,
		Amount:     req.Amount,
		OccurredAt: e.now(),
	})
	return entries, nil
}

// rejectBook builds the error for seats that failed validation. Seats
// without a hold are looked up in the ledger so a sold seat is reported as a
// conflict rather than as an expired hold.
func (e *Engine) rejectBook(ctx context.Context, key showkey.Key, missing, conflict []int, log *zap.Logger) error {
	var stillMissing []int
	if len(missing) > 0 {
		booked, err := e.ledger.Lookup(ctx, key, missing)
		if err != nil {
			return transient("ledger lookup", err)
		}
		sold := make(map[int]struct{}, len(booked))
		for _, b := range booked {
			sold[b.SeatNumber] = struct{}{}
		}
		for _, seat := range missing {
			if _, ok := sold[seat]; ok {
				conflict = append(conflict, seat)
			} else {
				stillMissing = append(stillMissing, seat)
			}
		}
	}
	if len(conflict) > 0 {
		sort.Ints(conflict)
		log.Info("booking rejected, seats taken", zap.Ints("seats", conflict))
		return seatError(ErrSeatConflict, conflict...)
	}
	log.Info("booking rejected, holds missing", zap.Ints("seats", stillMissing))
	return seatError(ErrExpiredHold, stillMissing...)
}

// finishPromotion settles the holds marked for bookingID. Holds on drop are
// removed because those seats now have ledger rows; the rest go back to
// plain holds.
func (e *Engine) finishPromotion(ctx context.Context, key showkey.Key, bookingID ledger.BookingID, drop []int) {
	dropSet := make(map[int]struct{}, len(drop))
	for _, s := range drop {
		dropSet[s] = struct{}{}
	}

	e.settle(ctx, key, false, func(p *holds.Partition) bool {
		changed := false
		for _, h := range p.Active(e.now()) {
			if h.BookingID != bookingID.String() {
				continue
			}
			if _, ok := dropSet[h.SeatNumber]; ok {
				p.Delete(h.SeatNumber)
			} else {
				h.BookingID = ""
				p.Put(h)
			}
			changed = true
		}
		if len(drop) > 0 {
			p.MarkLedgerChanged()
		}
		return changed && len(drop) > 0
	})
}

// settle applies a change that must follow a ledger write that already
// happened. The caller waits at most SettleWait for the show's lock; after
// that the change is applied in the background once the lock frees, since
// dropping it would leave promoted holds or a stale ledger epoch behind.
// apply reports whether subscribers should be told.
func (e *Engine) settle(ctx context.Context, key showkey.Key, reload bool, apply func(*holds.Partition) bool) {
	ctx = context.WithoutCancel(ctx)

	wait, cancel := context.WithTimeout(ctx, e.cfg.SettleWait)
	p, err := e.holds.Acquire(wait, key)
	cancel()
	if err == nil {
		e.applySettle(ctx, p, reload, apply)
		return
	}

	e.logger.Error("show lock not free after ledger write, settling in background",
		zap.String("show_key", key.String()), zap.Duration("waited", e.cfg.SettleWait))
	go func() {
		p, err := e.holds.Acquire(ctx, key)
		if err != nil {
			return
		}
		e.applySettle(ctx, p, reload, apply)
	}()
}

func (e *Engine) applySettle(ctx context.Context, p *holds.Partition, reload bool, apply func(*holds.Partition) bool) {
	notify := apply(p)
	held, seq := p.Active(e.now()), p.Version()
	p.Unlock()
	if notify {
		e.announce(ctx, p.Key(), held, seq, reload)
	}
}

// sameBooking reports whether the ledger already holds exactly this booking,
// which happens when a client retries a Book whose response it never saw.
func (e *Engine) sameBooking(ctx context.Context, req BookRequest, seats []int) ([]ledger.Entry, bool) {
	b, err := e.ledger.Booking(ctx, req.BookingID)
	if err != nil || b.Status != ledger.StatusConfirmed || b.ShowKey != req.ShowKey || b.HolderID != req.HolderID {
		return nil, false
	}
	got := append([]int(nil), b.Seats...)
	sort.Ints(got)
	if len(got) != len(seats) {
		return nil, false
	}
	for i := range got {
		if got[i] != seats[i] {
			return nil, false
		}
	}
	entries, err := e.ledger.ByBooking(ctx, req.BookingID)
	if err != nil || len(entries) != len(seats) {
		return nil, false
	}
	return entries, true
}

// CancelResult describes what a cancellation removed.
type CancelResult struct {
	BookingID ledger.BookingID
	ShowKey   showkey.Key
	Seats     []int
	Released  int
}

// CancelBooking frees the seats of a booking and tells subscribers of the
// show to reload. Seats are found through the booking record, or through the
// ledger rows tagged with the id when the record is gone.
func (e *Engine) CancelBooking(ctx context.Context, id ledger.BookingID) (CancelResult, error) {
	if id == "" {
		return CancelResult{}, invalidf("booking id is required")
	}

	var (
		key      showkey.Key
		seats    []int
		holderID string
	)
	b, err := e.ledger.Booking(ctx, id)
	switch {
	case err == nil:
		key, seats, holderID = b.ShowKey, append([]int(nil), b.Seats...), b.HolderID
	case errors.Is(err, ledger.ErrBookingNotFound):
		rows, err := e.ledger.ByBooking(ctx, id)
		if err != nil {
			return CancelResult{}, transient("ledger scan", err)
		}
		if len(rows) == 0 {
			return CancelResult{}, ErrBookingNotFound
		}
		key, holderID = rows[0].ShowKey, rows[0].HolderID
		for _, r := range rows {
			if r.ShowKey == key {
				seats = append(seats, r.SeatNumber)
			}
		}
		e.logger.Warn("booking record missing, cancelling by ledger rows",
			zap.String("booking_id", id.String()), zap.String("show_key", key.String()))
	default:
		return CancelResult{}, transient("booking lookup", err)
	}
	sort.Ints(seats)

	n, err := e.ledger.Cancel(ctx, id, key, seats)
	if err != nil {
		return CancelResult{}, transient("ledger cancel", err)
	}

	e.settle(ctx, key, true, func(p *holds.Partition) bool {
		p.MarkLedgerChanged()
		return true
	})

	e.logger.Info("booking cancelled",
		zap.String("booking_id", id.String()),
		zap.String("show_key", key.String()),
		zap.Ints("seats", seats),
		zap.Int("released", n),
	)
	e.emit(ctx, events.BookingEvent{
		Type:       events.BookingCancelled,
		BookingID:  id.String(),
		ShowKey:    key.String(),
		HolderID:   holderID,
		Seats:      seats,
		OccurredAt: e.now(),
	})

	return CancelResult{BookingID: id, ShowKey: key, Seats: seats, Released: n}, nil
}

// Booking returns the stored record for id.
func (e *Engine) Booking(ctx context.Context, id ledger.BookingID) (ledger.Booking, error) {
	b, err := e.ledger.Booking(ctx, id)
	if errors.Is(err, ledger.ErrBookingNotFound) {
		return ledger.Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return ledger.Booking{}, transient("booking lookup", err)
	}
	return b, nil
}

// Status is the authoritative snapshot of a show: booked seats from the
// ledger plus live holds. A booked seat is never also reported as held.
func (e *Engine) Status(ctx context.Context, key showkey.Key) (shared.StatusResponse, error) {
	if err := validateKey(key); err != nil {
		return shared.StatusResponse{}, err
	}
	p, err := e.lock(ctx, key)
	if err != nil {
		return shared.StatusResponse{}, err
	}
	held, seq := p.Active(e.now()), p.Version()
	p.Unlock()

	booked, err := e.ledger.Booked(ctx, key)
	if err != nil {
		return shared.StatusResponse{}, transient("ledger read", err)
	}
	return buildStatus(key, seq, booked, held), nil
}

// ShowsWithHolds lists the shows the sweeper should visit.
func (e *Engine) ShowsWithHolds() []showkey.Key {
	return e.holds.Keys()
}

// ExpireShow evicts the lapsed holds of one show and broadcasts the new
// state when anything was evicted.
func (e *Engine) ExpireShow(ctx context.Context, key showkey.Key) (int, error) {
	p, err := e.lock(ctx, key)
	if err != nil {
		return 0, err
	}
	now := e.now()
	evicted := p.EvictExpired(now)
	if len(evicted) == 0 {
		p.Unlock()
		return 0, nil
	}
	held, seq := p.Active(now), p.Version()
	p.Unlock()

	e.metrics.HoldsRemovedTotal.WithLabelValues("expired").Add(float64(len(evicted)))
	for _, h := range evicted {
		e.logger.Debug("hold expired",
			zap.String("show_key", key.String()), zap.Int("seat", h.SeatNumber), zap.String("holder_id", h.HolderID))
	}
	e.announce(ctx, key, held, seq, false)
	return len(evicted), nil
}

// lock takes the partition of key, waiting at most LockWait.
func (e *Engine) lock(ctx context.Context, key showkey.Key) (*holds.Partition, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LockWait)
	defer cancel()

	start := time.Now()
	p, err := e.holds.Acquire(ctx, key)
	e.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, transient("show busy", err)
	}
	return p, nil
}

// relock resumes a paused partition under the same wait limit as lock.
func (e *Engine) relock(ctx context.Context, p *holds.Partition) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LockWait)
	defer cancel()

	start := time.Now()
	err := p.Resume(ctx)
	e.metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return transient("show busy", err)
	}
	return nil
}

// announce publishes the state of a show after a mutation. It runs outside
// the partition lock; seq lets subscribers discard stale deliveries. When
// the ledger can't be read subscribers are told to reload instead.
func (e *Engine) announce(ctx context.Context, key showkey.Key, held []holds.Hold, seq uint64, reload bool) {
	ctx = context.WithoutCancel(ctx)

	update := shared.SeatUpdate{ShowKey: key.String(), Seq: seq, Reload: reload}
	booked, err := e.ledger.Booked(ctx, key)
	if err != nil {
		e.logger.Warn("ledger read for broadcast failed, sending reload",
			zap.String("show_key", key.String()), zap.Error(err))
		update.Reload = true
		update.Seats = []shared.SeatState{}
	} else {
		update.Seats = buildStatus(key, seq, booked, held).Seats()
	}

	if err := e.publisher.Publish(ctx, update); err != nil {
		e.logger.Error("broadcast failed",
			zap.String("show_key", key.String()), zap.Uint64("seq", seq), zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, ev events.BookingEvent) {
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("booking event not published",
			zap.String("type", string(ev.Type)), zap.String("booking_id", ev.BookingID), zap.Error(err))
	}
}

func (e *Engine) holdTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return e.cfg.HoldTTL
	}
	if ttl > e.cfg.MaxHoldTTL {
		return e.cfg.MaxHoldTTL
	}
	return ttl
}

func buildStatus(key showkey.Key, seq uint64, booked []ledger.Entry, held []holds.Hold) shared.StatusResponse {
	resp := shared.StatusResponse{
		ShowKey:     key.String(),
		Seq:         seq,
		BookedSeats: make([]shared.SeatState, 0, len(booked)),
		HeldSeats:   make([]shared.SeatState, 0, len(held)),
	}
	sold := make(map[int]struct{}, len(booked))
	for _, b := range booked {
		sold[b.SeatNumber] = struct{}{}
		resp.BookedSeats = append(resp.BookedSeats, shared.SeatState{
			SeatNumber: b.SeatNumber,
			Status:     shared.SeatBooked,
			HolderID:   b.HolderID,
		})
	}
	for _, h := range held {
		if _, ok := sold[h.SeatNumber]; ok {
			continue
		}
		expires := h.ExpiresAt
		resp.HeldSeats = append(resp.HeldSeats, shared.SeatState{
			SeatNumber: h.SeatNumber,
			Status:     shared.SeatHeld,
			HolderID:   h.HolderID,
			ExpiresAt:  &expires,
		})
	}
	return resp
}

func validateKey(key showkey.Key) error {
	_, err := parseKey(key)
	return err
}

// parseKey accepts only keys in the form Show.Key produces, so one show
// never ends up under two partitions.
func parseKey(key showkey.Key) (showkey.Show, error) {
	show, err := showkey.Parse(key)
	if err != nil {
		return showkey.Show{}, invalidf("%v", err)
	}
	canonical, err := show.Key()
	if err != nil {
		return showkey.Show{}, invalidf("%v", err)
	}
	if canonical != key {
		return showkey.Show{}, invalidf("show key %q is not canonical, expected %q", key, canonical)
	}
	return show, nil
}

// validateBook normalizes req in place and returns the show and the sorted,
// de-duplicated seat list.
func validateBook(req *BookRequest) (showkey.Show, []int, error) {
	show, err := parseKey(req.ShowKey)
	if err != nil {
		return showkey.Show{}, nil, err
	}
	req.HolderID = strings.TrimSpace(req.HolderID)
	if req.HolderID == "" {
		return showkey.Show{}, nil, invalidf("holder id is required")
	}
	if req.BookingID == "" {
		return showkey.Show{}, nil, invalidf("booking id is required")
	}
	if len(req.Seats) == 0 {
		return showkey.Show{}, nil, invalidf("at least one seat is required")
	}

	seen := make(map[int]struct{}, len(req.Seats))
	seats := make([]int, 0, len(req.Seats))
	for _, s := range req.Seats {
		if s <= 0 {
			return showkey.Show{}, nil, invalidf("seat number must be positive, got %d", s)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		seats = append(seats, s)
	}
	sort.Ints(seats)
	return show, seats, nil
}

func holdResult(refreshed bool, err error) string {
	switch {
	case err == nil && refreshed:
		return "refreshed"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyBooked):
		return "already_booked"
	case errors.Is(err, ErrHeldByOther):
		return "held_by_other"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}

func bookResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSeatConflict):
		return "conflict"
	case errors.Is(err, ErrExpiredHold):
		return "expired_hold"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "error"
	}
}
