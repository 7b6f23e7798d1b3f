package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cinema-seats/showkey"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	booking_id     TEXT PRIMARY KEY,
	show_key       TEXT NOT NULL,
	movie_id       TEXT NOT NULL,
	city           TEXT NOT NULL,
	showtime       TEXT NOT NULL,
	show_date      TEXT NOT NULL,
	holder_id      TEXT NOT NULL,
	seat_numbers   INTEGER[] NOT NULL,
	amount         BIGINT NOT NULL DEFAULT 0,
	payment_status TEXT NOT NULL DEFAULT '',
	booking_status TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS seat_ledger (
	show_key    TEXT NOT NULL,
	seat_number INTEGER NOT NULL CHECK (seat_number > 0),
	booking_id  TEXT NOT NULL,
	holder_id   TEXT NOT NULL,
	booked_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (show_key, seat_number)
);

CREATE INDEX IF NOT EXISTS seat_ledger_booking_id_idx ON seat_ledger (booking_id);
`

const entryColumns = `show_key, seat_number, booking_id, holder_id, booked_at`

// Postgres keeps bookings and seat rows in two tables. The primary key on
// (show_key, seat_number) is what makes a double sale impossible.
type Postgres struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Migrate creates the ledger tables if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, schema)
	return err
}

func (p *Postgres) Booked(ctx context.Context, key showkey.Key) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `SELECT `+entryColumns+` FROM seat_ledger WHERE show_key = $1 ORDER BY seat_number`, string(key))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *Postgres) Lookup(ctx context.Context, key showkey.Key, seats []int) ([]Entry, error) {
	if len(seats) == 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `SELECT `+entryColumns+` FROM seat_ledger
		WHERE show_key = $1 AND seat_number = ANY($2) ORDER BY seat_number`, string(key), int32s(seats))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *Postgres) Commit(ctx context.Context, b Booking) ([]Entry, error) {
	if err := validateCommit(b); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	tag, err := tx.Exec(ctx, `INSERT INTO bookings (booking_id, show_key, movie_id, city, showtime, show_date,
			holder_id, seat_numbers, amount, payment_status, booking_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (booking_id) DO NOTHING`,
		string(b.ID), string(b.ShowKey), b.Show.MovieID, b.Show.City, b.Show.Showtime, b.Show.Date,
		b.HolderID, int32s(b.Seats), b.Amount, b.PaymentStatus, string(StatusConfirmed), now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrBookingExists
	}

	rows, err := tx.Query(ctx, `INSERT INTO seat_ledger (`+entryColumns+`)
		SELECT $1, s, $2, $3, $4 FROM unnest($5::int[]) AS s
		ON CONFLICT (show_key, seat_number) DO NOTHING
		RETURNING seat_number`,
		string(b.ShowKey), string(b.ID), b.HolderID, now, int32s(b.Seats))
	if err != nil {
		return nil, err
	}
	inserted, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, err
	}
	if len(inserted) != len(b.Seats) {
		got := make(map[int]struct{}, len(inserted))
		for _, s := range inserted {
			got[int(s)] = struct{}{}
		}
		var taken []int
		for _, s := range b.Seats {
			if _, ok := got[s]; !ok {
				taken = append(taken, s)
			}
		}
		sort.Ints(taken)
		return nil, &TakenError{Seats: taken}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entriesFor(b, now), nil
}

func (p *Postgres) Booking(ctx context.Context, id BookingID) (Booking, error) {
	var (
		b     Booking
		key   string
		seats []int32
		stat  string
	)
	err := p.db.QueryRow(ctx, `SELECT booking_id, show_key, movie_id, city, showtime, show_date, holder_id,
			seat_numbers, amount, payment_status, booking_status, created_at, updated_at
		FROM bookings WHERE booking_id = $1`, string(id)).
		Scan(&b.ID, &key, &b.Show.MovieID, &b.Show.City, &b.Show.Showtime, &b.Show.Date, &b.HolderID,
			&seats, &b.Amount, &b.PaymentStatus, &stat, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return Booking{}, err
	}
	b.ShowKey = showkey.Key(key)
	b.Status = Status(stat)
	b.Seats = make([]int, 0, len(seats))
	for _, s := range seats {
		b.Seats = append(b.Seats, int(s))
	}
	return b, nil
}

func (p *Postgres) ByBooking(ctx context.Context, id BookingID) ([]Entry, error) {
	rows, err := p.db.Query(ctx, `SELECT `+entryColumns+` FROM seat_ledger WHERE booking_id = $1 ORDER BY seat_number`, string(id))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *Postgres) Cancel(ctx context.Context, id BookingID, key showkey.Key, seats []int) (int, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE bookings SET booking_status = $2, updated_at = $3 WHERE booking_id = $1`,
		string(id), string(StatusCancelled), p.now().UTC()); err != nil {
		return 0, err
	}

	byID, err := tx.Exec(ctx, `DELETE FROM seat_ledger WHERE booking_id = $1`, string(id))
	if err != nil {
		return 0, err
	}
	removed := int(byID.RowsAffected())

	if len(seats) > 0 {
		orphans, err := tx.Exec(ctx, `DELETE FROM seat_ledger s
			WHERE s.show_key = $1 AND s.seat_number = ANY($2)
			AND NOT EXISTS (
				SELECT 1 FROM bookings b
				WHERE b.booking_id = s.booking_id AND b.booking_status <> $3
			)`, string(key), int32s(seats), string(StatusCancelled))
		if err != nil {
			return 0, err
		}
		removed += int(orphans.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			key  string
			seat int32
			id   string
		)
		if err := rows.Scan(&key, &seat, &id, &e.HolderID, &e.BookedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.ShowKey = showkey.Key(key)
		e.SeatNumber = int(seat)
		e.BookingID = BookingID(id)
		out = append(out, e)
	}
	return out, rows.Err()
}

func int32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

var _ Ledger = (*Postgres)(nil)
