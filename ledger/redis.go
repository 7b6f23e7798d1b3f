package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"cinema-seats/showkey"
)

// Redis key patterns. The seats hash maps seat to booking id, the entries
// hash maps seat to the entry JSON. The rows set of a booking lists its
// seats as "<show key>|<seat>" and survives the loss of the booking hash.
const (
	redisKeyShowSeats   = "ledger:show:%s:seats"
	redisKeyShowEntries = "ledger:show:%s:entries"
	redisKeyBooking     = "ledger:booking:%s"
	redisKeyBookingRows = "ledger:booking:%s:rows"
	redisBookingPrefix  = "ledger:booking:"
)

// commitScript writes the booking and all its seat rows only when none of
// the seats already has an owner. Returns {-1} for a reused booking id,
// the taken seats, or an empty table on success.
//
// ARGV: booking id, record JSON, status, show key, then seat/entry pairs.
var commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 or redis.call('EXISTS', KEYS[4]) == 1 then
  return {-1}
end
local taken = {}
for i = 5, #ARGV, 2 do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 1 then
    table.insert(taken, tonumber(ARGV[i]))
  end
end
if #taken > 0 then
  return taken
end
for i = 5, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[1])
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
  redis.call('SADD', KEYS[4], ARGV[4] .. '|' .. ARGV[i])
end
redis.call('HSET', KEYS[3], 'record', ARGV[2], 'status', ARGV[3])
return {}
`)

// cancelScript marks the booking cancelled and drops rows owned by it or by
// a missing/cancelled booking. It visits the listed seats plus every seat
// of the show in the booking's rows set.
//
// ARGV: booking id, booking key prefix, show key, update time, then seats.
var cancelScript = redis.NewScript(`
local removed = 0
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('HSET', KEYS[3], 'status', 'cancelled', 'updated_at', ARGV[4])
end
local seen, seats = {}, {}
local function visit(seat)
  if not seen[seat] then
    seen[seat] = true
    table.insert(seats, seat)
  end
end
for i = 5, #ARGV do
  visit(ARGV[i])
end
local prefix = ARGV[3] .. '|'
local members = redis.call('SMEMBERS', KEYS[4])
table.sort(members)
for _, m in ipairs(members) do
  if string.sub(m, 1, #prefix) == prefix then
    visit(string.sub(m, #prefix + 1))
  end
end
for _, seat in ipairs(seats) do
  local owner = redis.call('HGET', KEYS[1], seat)
  if owner then
    local drop = owner == ARGV[1]
    if not drop then
      local st = redis.call('HGET', ARGV[2] .. owner, 'status')
      drop = (not st) or st == 'cancelled'
    end
    if drop then
      redis.call('HDEL', KEYS[1], seat)
      redis.call('HDEL', KEYS[2], seat)
      removed = removed + 1
    end
  end
  redis.call('SREM', KEYS[4], prefix .. seat)
end
return removed
`)

// redisRecord is the JSON stored under a booking's "record" field.
type redisRecord struct {
	ID            BookingID    `json:"id"`
	Show          showkey.Show `json:"show"`
	ShowKey       showkey.Key  `json:"showKey"`
	HolderID      string       `json:"holderId"`
	Seats         []int        `json:"seats"`
	Amount        int64        `json:"amount"`
	PaymentStatus string       `json:"paymentStatus"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Redis stores the ledger in Redis hashes; multi-key changes go through
// Lua scripts so each commit and cancel is atomic.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (r *Redis) Booked(ctx context.Context, key showkey.Key) ([]Entry, error) {
	raw, err := r.client.HGetAll(ctx, fmt.Sprintf(redisKeyShowEntries, key)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for seat, data := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s/%s: %w", key, seat, err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Lookup(ctx context.Context, key showkey.Key, seats []int) ([]Entry, error) {
	if len(seats) == 0 {
		return nil, nil
	}
	return r.entriesAt(ctx, key, seats, "")
}

func (r *Redis) Commit(ctx context.Context, b Booking) ([]Entry, error) {
	if err := validateCommit(b); err != nil {
		return nil, err
	}

	now := r.now()
	entries := entriesFor(b, now)
	record, err := json.Marshal(redisRecord{
		ID:            b.ID,
		Show:          b.Show,
		ShowKey:       b.ShowKey,
		HolderID:      b.HolderID,
		Seats:         b.Seats,
		Amount:        b.Amount,
		PaymentStatus: b.PaymentStatus,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	args := []interface{}{string(b.ID), record, string(StatusConfirmed), string(b.ShowKey)}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		args = append(args, strconv.Itoa(e.SeatNumber), data)
	}

	keys := []string{
		fmt.Sprintf(redisKeyShowSeats, b.ShowKey),
		fmt.Sprintf(redisKeyShowEntries, b.ShowKey),
		fmt.Sprintf(redisKeyBooking, b.ID),
		fmt.Sprintf(redisKeyBookingRows, b.ID),
	}
	res, err := commitScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(res) == 1 && res[0] == -1 {
		return nil, ErrBookingExists
	}
	if len(res) > 0 {
		taken := make([]int, 0, len(res))
		for _, s := range res {
			taken = append(taken, int(s))
		}
		sort.Ints(taken)
		return nil, &TakenError{Seats: taken}
	}
	return entries, nil
}

func (r *Redis) Booking(ctx context.Context, id BookingID) (Booking, error) {
	vals, err := r.client.HMGet(ctx, fmt.Sprintf(redisKeyBooking, id), "record", "status", "updated_at").Result()
	if err != nil {
		return Booking{}, err
	}
	data, ok := vals[0].(string)
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	var rec redisRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Booking{}, fmt.Errorf("decode booking %s: %w", id, err)
	}
	status, _ := vals[1].(string)
	updatedAt := rec.CreatedAt
	if raw, ok := vals[2].(string); ok {
		if updatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return Booking{}, fmt.Errorf("decode booking %s updated_at: %w", id, err)
		}
	}
	return Booking{
		ID:            rec.ID,
		Show:          rec.Show,
		ShowKey:       rec.ShowKey,
		HolderID:      rec.HolderID,
		Seats:         rec.Seats,
		Amount:        rec.Amount,
		PaymentStatus: rec.PaymentStatus,
		Status:        Status(status),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     updatedAt,
	}, nil
}

// ByBooking resolves rows through the booking's rows set, so it works
// whether or not the booking hash still exists.
func (r *Redis) ByBooking(ctx context.Context, id BookingID) ([]Entry, error) {
	members, err := r.client.SMembers(ctx, fmt.Sprintf(redisKeyBookingRows, id)).Result()
	if err != nil {
		return nil, err
	}

	byShow := make(map[showkey.Key][]int)
	for _, m := range members {
		key, seat, err := parseRowMember(m)
		if err != nil {
			return nil, fmt.Errorf("booking %s: %w", id, err)
		}
		byShow[key] = append(byShow[key], seat)
	}

	var out []Entry
	for key, seats := range byShow {
		rows, err := r.entriesAt(ctx, key, seats, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Cancel(ctx context.Context, id BookingID, key showkey.Key, seats []int) (int, error) {
	args := []interface{}{string(id), redisBookingPrefix, string(key), r.now().UTC().Format(time.RFC3339Nano)}
	for _, s := range seats {
		args = append(args, strconv.Itoa(s))
	}
	keys := []string{
		fmt.Sprintf(redisKeyShowSeats, key),
		fmt.Sprintf(redisKeyShowEntries, key),
		fmt.Sprintf(redisKeyBooking, id),
		fmt.Sprintf(redisKeyBookingRows, id),
	}
	n, err := cancelScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// entriesAt reads rows at seats, keeping only those owned by owner when
// owner is set.
func (r *Redis) entriesAt(ctx context.Context, key showkey.Key, seats []int, owner BookingID) ([]Entry, error) {
	fields := make([]string, 0, len(seats))
	for _, s := range seats {
		fields = append(fields, strconv.Itoa(s))
	}
	vals, err := r.client.HMGet(ctx, fmt.Sprintf(redisKeyShowEntries, key), fields...).Result()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i, v := range vals {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s/%s: %w", key, fields[i], err)
		}
		if owner != "" && e.BookingID != owner {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// parseRowMember splits a rows set member. Show keys contain the separator,
// so the seat is whatever follows the last one.
func parseRowMember(m string) (showkey.Key, int, error) {
	i := strings.LastIndex(m, "|")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed row %q", m)
	}
	seat, err := strconv.Atoi(m[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed row %q: %w", m, err)
	}
	return showkey.Key(m[:i]), seat, nil
}

var _ Ledger = (*Redis)(nil)
