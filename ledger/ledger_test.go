package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinema-seats/showkey"
)

var testShow = showkey.Show{MovieID: "dune-2", City: "berlin", Showtime: "19:30", Date: "2026-10-20"}

// store bundles a ledger with hooks that reach behind its API: planting a
// row with no booking record, losing a booking record, and fixing the clock.
type store struct {
	Ledger
	plantOrphan func(t *testing.T, key showkey.Key, seat int, owner BookingID)
	dropRecord  func(t *testing.T, id BookingID)
	setClock    func(now func() time.Time)
}

func newMemoryStore(t *testing.T) store {
	m := NewMemory()
	return store{
		Ledger: m,
		dropRecord: func(t *testing.T, id BookingID) {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.bookings, id)
		},
		setClock: func(now func() time.Time) { m.now = now },
		plantOrphan: func(t *testing.T, key showkey.Key, seat int, owner BookingID) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.seats[key] == nil {
				m.seats[key] = make(map[int]Entry)
			}
			m.seats[key][seat] = Entry{ShowKey: key, SeatNumber: seat, BookingID: owner, HolderID: "ghost", BookedAt: time.Now()}
		},
	}
}

func newRedisStore(t *testing.T) store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	r := NewRedis(client)
	return store{
		Ledger: r,
		dropRecord: func(t *testing.T, id BookingID) {
			mr.Del(fmt.Sprintf(redisKeyBooking, id))
		},
		setClock: func(now func() time.Time) { r.now = now },
		plantOrphan: func(t *testing.T, key showkey.Key, seat int, owner BookingID) {
			data, err := json.Marshal(Entry{ShowKey: key, SeatNumber: seat, BookingID: owner, HolderID: "ghost", BookedAt: time.Now()})
			require.NoError(t, err)
			field := fmt.Sprint(seat)
			mr.HSet(fmt.Sprintf(redisKeyShowSeats, key), field, string(owner))
			mr.HSet(fmt.Sprintf(redisKeyShowEntries, key), field, string(data))
		},
	}
}

func newPostgresStore(t *testing.T) store {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p := NewPostgres(pool)
	require.NoError(t, p.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE seat_ledger, bookings`)
	require.NoError(t, err)

	return store{
		Ledger: p,
		dropRecord: func(t *testing.T, id BookingID) {
			_, err := pool.Exec(context.Background(), `DELETE FROM bookings WHERE booking_id = $1`, string(id))
			require.NoError(t, err)
		},
		setClock: func(now func() time.Time) { p.now = now },
		plantOrphan: func(t *testing.T, key showkey.Key, seat int, owner BookingID) {
			_, err := pool.Exec(context.Background(), `INSERT INTO seat_ledger (`+entryColumns+`) VALUES ($1, $2, $3, 'ghost', now())`,
				string(key), seat, string(owner))
			require.NoError(t, err)
		},
	}
}

func stores() map[string]func(t *testing.T) store {
	return map[string]func(t *testing.T) store{
		"memory":   newMemoryStore,
		"redis":    newRedisStore,
		"postgres": newPostgresStore,
	}
}

func booking(id string, seats ...int) Booking {
	return Booking{
		ID:            BookingID(id),
		Show:          testShow,
		ShowKey:       testShow.MustKey(),
		HolderID:      "alice",
		Seats:         seats,
		Amount:        2400,
		PaymentStatus: "paid",
	}
}

func seatNumbers(es []Entry) []int {
	out := make([]int, 0, len(es))
	for _, e := range es {
		out = append(out, e.SeatNumber)
	}
	return out
}

func TestLedgerStores(t *testing.T) {
	for name, open := range stores() {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("commit and read back", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				entries, err := s.Commit(ctx, booking("b-1", 12, 11))
				require.NoError(t, err)
				assert.Equal(t, []int{11, 12}, seatNumbers(entries))
				for _, e := range entries {
					assert.Equal(t, BookingID("b-1"), e.BookingID)
					assert.Equal(t, "alice", e.HolderID)
					assert.Equal(t, key, e.ShowKey)
				}

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, []int{11, 12}, seatNumbers(booked))

				found, err := s.Lookup(ctx, key, []int{10, 11, 13})
				require.NoError(t, err)
				assert.Equal(t, []int{11}, seatNumbers(found))

				b, err := s.Booking(ctx, "b-1")
				require.NoError(t, err)
				assert.Equal(t, StatusConfirmed, b.Status)
				assert.ElementsMatch(t, []int{11, 12}, b.Seats)
				assert.Equal(t, int64(2400), b.Amount)
				assert.Equal(t, testShow, b.Show)

				rows, err := s.ByBooking(ctx, "b-1")
				require.NoError(t, err)
				assert.Equal(t, []int{11, 12}, seatNumbers(rows))
			})

			t.Run("taken seat fails whole commit", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				_, err := s.Commit(ctx, booking("b-1", 5))
				require.NoError(t, err)

				_, err = s.Commit(ctx, booking("b-2", 4, 5, 6))
				require.ErrorIs(t, err, ErrSeatTaken)
				var taken *TakenError
				require.True(t, errors.As(err, &taken))
				assert.Equal(t, []int{5}, taken.Seats)

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, []int{5}, seatNumbers(booked), "no partial rows")

				_, err = s.Booking(ctx, "b-2")
				assert.ErrorIs(t, err, ErrBookingNotFound)
			})

			t.Run("booking id cannot be reused", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Commit(ctx, booking("b-1", 1))
				require.NoError(t, err)
				_, err = s.Commit(ctx, booking("b-1", 2))
				assert.ErrorIs(t, err, ErrBookingExists)
			})

			t.Run("invalid commit", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Commit(ctx, booking("b-1"))
				assert.ErrorIs(t, err, ErrInvalidBooking)
				_, err = s.Commit(ctx, booking("b-1", 3, 3))
				assert.ErrorIs(t, err, ErrInvalidBooking)
				_, err = s.Commit(ctx, booking("b-1", 0))
				assert.ErrorIs(t, err, ErrInvalidBooking)
			})

			t.Run("cancel frees seats", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				_, err := s.Commit(ctx, booking("b-1", 7, 8))
				require.NoError(t, err)
				_, err = s.Commit(ctx, booking("b-2", 9))
				require.NoError(t, err)

				n, err := s.Cancel(ctx, "b-1", key, []int{7, 8})
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, []int{9}, seatNumbers(booked))

				b, err := s.Booking(ctx, "b-1")
				require.NoError(t, err)
				assert.Equal(t, StatusCancelled, b.Status)

				_, err = s.Commit(ctx, booking("b-3", 7))
				assert.NoError(t, err, "cancelled seats can be sold again")
			})

			t.Run("cancel leaves live bookings alone", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				_, err := s.Commit(ctx, booking("b-1", 1))
				require.NoError(t, err)
				_, err = s.Commit(ctx, booking("b-2", 2))
				require.NoError(t, err)

				n, err := s.Cancel(ctx, "b-1", key, []int{1, 2})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, []int{2}, seatNumbers(booked))
			})

			t.Run("cancel removes orphaned rows", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				s.plantOrphan(t, key, 30, "lost-booking")

				n, err := s.Cancel(ctx, "lost-booking", key, []int{30})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Empty(t, booked)
			})

			t.Run("rows outlive a lost booking record", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()

				_, err := s.Commit(ctx, booking("b-1", 3, 4))
				require.NoError(t, err)
				_, err = s.Commit(ctx, booking("b-2", 5))
				require.NoError(t, err)
				s.dropRecord(t, "b-1")

				_, err = s.Booking(ctx, "b-1")
				require.ErrorIs(t, err, ErrBookingNotFound)

				rows, err := s.ByBooking(ctx, "b-1")
				require.NoError(t, err)
				assert.Equal(t, []int{3, 4}, seatNumbers(rows))
				for _, r := range rows {
					assert.Equal(t, key, r.ShowKey)
					assert.Equal(t, BookingID("b-1"), r.BookingID)
				}

				// no seat list: the store has to find the rows itself
				n, err := s.Cancel(ctx, "b-1", key, nil)
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				booked, err := s.Booked(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, []int{5}, seatNumbers(booked))
				rows, err = s.ByBooking(ctx, "b-1")
				require.NoError(t, err)
				assert.Empty(t, rows)

				_, err = s.Commit(ctx, booking("b-3", 3, 4))
				assert.NoError(t, err, "freed seats can be sold again")
			})

			t.Run("cancel stamps updated_at", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				key := testShow.MustKey()
				created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
				cancelled := created.Add(3 * time.Hour)

				s.setClock(func() time.Time { return created })
				_, err := s.Commit(ctx, booking("b-1", 6))
				require.NoError(t, err)

				b, err := s.Booking(ctx, "b-1")
				require.NoError(t, err)
				assert.WithinDuration(t, created, b.UpdatedAt, time.Millisecond)

				s.setClock(func() time.Time { return cancelled })
				_, err = s.Cancel(ctx, "b-1", key, []int{6})
				require.NoError(t, err)

				b, err = s.Booking(ctx, "b-1")
				require.NoError(t, err)
				assert.Equal(t, StatusCancelled, b.Status)
				assert.WithinDuration(t, created, b.CreatedAt, time.Millisecond)
				assert.WithinDuration(t, cancelled, b.UpdatedAt, time.Millisecond)
			})

			t.Run("unknown booking", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				_, err := s.Booking(ctx, "nope")
				assert.ErrorIs(t, err, ErrBookingNotFound)
				rows, err := s.ByBooking(ctx, "nope")
				require.NoError(t, err)
				assert.Empty(t, rows)
			})

			t.Run("concurrent commits sell a seat once", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				const buyers = 16
				var (
					wg   sync.WaitGroup
					mu   sync.Mutex
					wins int
				)
				for i := 0; i < buyers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := s.Commit(ctx, booking(fmt.Sprintf("race-%d", i), 42, 43))
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
							return
						}
						assert.ErrorIs(t, err, ErrSeatTaken)
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
			})
		})
	}
}

func TestParseBookingID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    BookingID
		wantErr bool
	}{
		{name: "plain", raw: "bk_123", want: "bk_123"},
		{name: "trimmed", raw: "  bk_123\n", want: "bk_123"},
		{name: "uuid", raw: "5f0c2b9e-7d1a-4c43-9a51-0e1f3f8f2a11", want: "5f0c2b9e-7d1a-4c43-9a51-0e1f3f8f2a11"},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "inner space", raw: "bk 123", wantErr: true},
		{name: "control", raw: "bk\x00123", wantErr: true},
		{name: "too long", raw: strings.Repeat("x", maxBookingIDLen+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBookingID(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBooking)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisRowsIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	r := NewRedis(client)
	ctx := context.Background()
	key := testShow.MustKey()

	_, err := r.Commit(ctx, booking("BK1", 3, 4))
	require.NoError(t, err)

	members, err := mr.Members(fmt.Sprintf(redisKeyBookingRows, "BK1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{key.String() + "|3", key.String() + "|4"}, members)

	mr.Del(fmt.Sprintf(redisKeyBooking, "BK1"))

	_, err = r.Commit(ctx, booking("BK1", 9))
	assert.ErrorIs(t, err, ErrBookingExists, "id stays taken while its rows exist")

	n, err := r.Cancel(ctx, "BK1", key, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(fmt.Sprintf(redisKeyBookingRows, "BK1")), "index emptied with the rows")
	assert.False(t, mr.Exists(fmt.Sprintf(redisKeyBooking, "BK1")), "no record is resurrected")
}

func TestParseRowMember(t *testing.T) {
	key, seat, err := parseRowMember("dune-2|berlin|19%3A30|2026-10-20|12")
	require.NoError(t, err)
	assert.Equal(t, showkey.Key("dune-2|berlin|19%3A30|2026-10-20"), key)
	assert.Equal(t, 12, seat)

	for _, bad := range []string{"", "12", "|12", "dune|x"} {
		_, _, err := parseRowMember(bad)
		assert.Error(t, err, bad)
	}
}
