package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cinema-seats/ledger"
	"cinema-seats/metrics"
	"cinema-seats/reservation"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

var show = showkey.Show{MovieID: "dune-2", City: "berlin", Showtime: "19:30", Date: "2026-10-20"}

type recorder struct {
	mu      sync.Mutex
	updates []shared.SeatUpdate
}

func (r *recorder) Publish(_ context.Context, u shared.SeatUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type testServer struct {
	router *gin.Engine
	pub    *recorder
	reg    *prometheus.Registry
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	pub := &recorder{}
	engine := reservation.New(ledger.NewMemory(), pub, reservation.Config{}, reservation.WithMetrics(m))

	h := NewHandler(engine, zap.NewNop())
	h.newID = func() string { return "bk-generated" }
	return &testServer{router: NewRouter(h, m, reg, zap.NewNop()), pub: pub, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) hold(t *testing.T, seat int, holder string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, shared.APIEndpointHold, shared.HoldRequest{
		SeatRef: shared.SeatRef{Show: show, SeatNumber: seat, HolderID: holder},
	})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func statusPath() string {
	q := url.Values{}
	q.Set("movieId", show.MovieID)
	q.Set("city", show.City)
	q.Set("showtime", show.Showtime)
	q.Set("date", show.Date)
	return shared.APIEndpointStatus + "?" + q.Encode()
}

func TestHealth(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, shared.APIEndpointHealth, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"booking-service"}`, w.Body.String())
}

func TestHold(t *testing.T) {
	t.Run("grants the seat", func(t *testing.T) {
		s := setupTestServer(t)

		w := s.hold(t, 7, "alice")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[shared.HoldResponse](t, w)
		assert.True(t, resp.OK)
		assert.Equal(t, 7, resp.Hold.SeatNumber)
		assert.Equal(t, "alice", resp.Hold.HolderID)
		assert.Equal(t, show.MustKey().String(), resp.Hold.ShowKey)
		assert.WithinDuration(t, time.Now().Add(shared.HoldDuration), resp.Hold.ExpiresAt, 5*time.Second)
		assert.Equal(t, 1, s.pub.count())
	})

	t.Run("held by someone else", func(t *testing.T) {
		s := setupTestServer(t)
		require.Equal(t, http.StatusOK, s.hold(t, 7, "alice").Code)

		w := s.hold(t, 7, "bob")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, shared.CodeHeldByOther, decode[shared.ErrorResponse](t, w).Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		s := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, shared.APIEndpointHold, bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing show fields", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.do(t, http.MethodPost, shared.APIEndpointHold, shared.HoldRequest{
			SeatRef: shared.SeatRef{Show: showkey.Show{MovieID: "dune-2"}, SeatNumber: 1, HolderID: "alice"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, shared.CodeInvalid, decode[shared.ErrorResponse](t, w).Code)
	})

	t.Run("seat number must be positive", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.hold(t, 0, "alice")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRelease(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.hold(t, 3, "alice").Code)

	w := s.do(t, http.MethodPost, shared.APIEndpointRelease, shared.SeatRef{Show: show, SeatNumber: 3, HolderID: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[shared.OKResponse](t, w).OK)

	assert.Equal(t, http.StatusOK, s.hold(t, 3, "bob").Code, "released seat can be held again")
}

func TestBatchRelease(t *testing.T) {
	t.Run("releases what the holder owns", func(t *testing.T) {
		s := setupTestServer(t)
		require.Equal(t, http.StatusOK, s.hold(t, 1, "alice").Code)
		require.Equal(t, http.StatusOK, s.hold(t, 2, "alice").Code)
		require.Equal(t, http.StatusOK, s.hold(t, 3, "bob").Code)

		w := s.do(t, http.MethodPost, shared.APIEndpointBatchRelease, shared.BatchReleaseRequest{Seats: []shared.SeatRef{
			{Show: show, SeatNumber: 1, HolderID: "alice"},
			{Show: show, SeatNumber: 2, HolderID: "alice"},
			{Show: show, SeatNumber: 3, HolderID: "alice"},
			{Show: showkey.Show{}, SeatNumber: 4, HolderID: "alice"},
		}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2, decode[shared.BatchReleaseResponse](t, w).ReleasedCount)
	})

	t.Run("empty list", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.do(t, http.MethodPost, shared.APIEndpointBatchRelease, shared.BatchReleaseRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBookAndCancel(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.hold(t, 4, "alice").Code)
	require.Equal(t, http.StatusOK, s.hold(t, 5, "alice").Code)

	w := s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{
		Show:          show,
		SeatNumbers:   []int{5, 4},
		HolderID:      "alice",
		Amount:        2400,
		PaymentStatus: "paid",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	booked := decode[shared.BookResponse](t, w)
	assert.Equal(t, "bk-generated", booked.BookingID)
	require.Len(t, booked.BookedSeats, 2)
	assert.Equal(t, 4, booked.BookedSeats[0].SeatNumber)
	assert.Equal(t, 5, booked.BookedSeats[1].SeatNumber)

	w = s.do(t, http.MethodGet, statusPath(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[shared.StatusResponse](t, w)
	assert.Len(t, status.BookedSeats, 2)
	assert.Empty(t, status.HeldSeats)

	w = s.do(t, http.MethodGet, shared.APIEndpointBookings+"/bk-generated", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[shared.BookingView](t, w)
	assert.Equal(t, []int{4, 5}, view.SeatNumbers)
	assert.Equal(t, "dune-2", view.MovieID)
	assert.Equal(t, int64(2400), view.Amount)
	assert.Equal(t, string(ledger.StatusConfirmed), view.Status)

	w = s.do(t, http.MethodPost, shared.APIEndpointBookings+"/bk-generated/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[shared.CancelResponse](t, w).ReleasedCount)

	assert.Equal(t, http.StatusOK, s.hold(t, 4, "bob").Code, "cancelled seat is sellable again")
}

func TestBook_Errors(t *testing.T) {
	t.Run("seat without a hold", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{
			Show: show, SeatNumbers: []int{9}, HolderID: "alice", BookingID: "bk-1",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, shared.CodeExpiredHold, decode[shared.ErrorResponse](t, w).Code)
	})

	t.Run("seat already sold", func(t *testing.T) {
		s := setupTestServer(t)
		require.Equal(t, http.StatusOK, s.hold(t, 9, "alice").Code)
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{
			Show: show, SeatNumbers: []int{9}, HolderID: "alice", BookingID: "bk-1",
		}).Code)

		w := s.hold(t, 9, "bob")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, shared.CodeAlreadyBooked, decode[shared.ErrorResponse](t, w).Code)

		w = s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{
			Show: show, SeatNumbers: []int{9}, HolderID: "bob", BookingID: "bk-2",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decode[shared.ErrorResponse](t, w)
		assert.Equal(t, shared.CodeSeatConflict, resp.Code)
		assert.Equal(t, []int{9}, resp.Conflicting)
	})

	t.Run("empty seat list", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{Show: show, HolderID: "alice"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("booking id with whitespace", func(t *testing.T) {
		s := setupTestServer(t)
		w := s.do(t, http.MethodPost, shared.APIEndpointBook, shared.BookRequest{
			Show: show, SeatNumbers: []int{1}, HolderID: "alice", BookingID: "bk 1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBooking_NotFound(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, shared.APIEndpointBookings+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, shared.APIEndpointBookings+"/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, shared.CodeNotFound, decode[shared.ErrorResponse](t, w).Code)
}

func TestStatus_InvalidQuery(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(t, http.MethodGet, shared.APIEndpointStatus+"?movieId=dune-2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.hold(t, 1, "alice").Code)

	w := s.do(t, http.MethodGet, shared.APIEndpointMetrics, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `seat_holds_total{result="ok"} 1`)
	assert.Contains(t, w.Body.String(), `path="/api/seats/hold"`)
}
