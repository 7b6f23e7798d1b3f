package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cinema-seats/reservation"
	"cinema-seats/shared"
	"cinema-seats/showkey"
)

// APIError is a non-2xx reply from the booking service. It unwraps to the
// reservation error its code stands for, so callers can use errors.Is and
// reservation.ConflictingSeats on it.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	Conflicting []int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("booking service: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("booking service returned status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	kind := kindFor(e.Code, e.StatusCode)
	if len(e.Conflicting) > 0 {
		return &reservation.SeatError{Kind: kind, Seats: e.Conflicting}
	}
	return kind
}

func kindFor(code string, status int) error {
	switch code {
	case shared.CodeInvalid:
		return reservation.ErrInvalid
	case shared.CodeNotFound:
		return reservation.ErrBookingNotFound
	case shared.CodeAlreadyBooked:
		return reservation.ErrAlreadyBooked
	case shared.CodeHeldByOther:
		return reservation.ErrHeldByOther
	case shared.CodeSeatConflict:
		return reservation.ErrSeatConflict
	case shared.CodeExpiredHold:
		return reservation.ErrExpiredHold
	}
	if status == http.StatusBadRequest {
		return reservation.ErrInvalid
	}
	return reservation.ErrTransient
}

// BookingClient handles communication with the booking service
type BookingClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewBookingClient(baseURL string, timeout time.Duration) *BookingClient {
	return &BookingClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Status fetches the authoritative snapshot of a show.
func (bc *BookingClient) Status(ctx context.Context, show showkey.Show) (shared.StatusResponse, error) {
	q := url.Values{}
	q.Set("movieId", show.MovieID)
	q.Set("city", show.City)
	q.Set("showtime", show.Showtime)
	q.Set("date", show.Date)

	var status shared.StatusResponse
	err := bc.do(ctx, http.MethodGet, shared.APIEndpointStatus+"?"+q.Encode(), nil, &status)
	return status, err
}

func (bc *BookingClient) Hold(ctx context.Context, req shared.HoldRequest) (shared.HoldView, error) {
	var resp shared.HoldResponse
	if err := bc.do(ctx, http.MethodPost, shared.APIEndpointHold, req, &resp); err != nil {
		return shared.HoldView{}, err
	}
	return resp.Hold, nil
}

func (bc *BookingClient) Release(ctx context.Context, ref shared.SeatRef) error {
	return bc.do(ctx, http.MethodPost, shared.APIEndpointRelease, ref, nil)
}

func (bc *BookingClient) BatchRelease(ctx context.Context, refs []shared.SeatRef) (int, error) {
	var resp shared.BatchReleaseResponse
	err := bc.do(ctx, http.MethodPost, shared.APIEndpointBatchRelease, shared.BatchReleaseRequest{Seats: refs}, &resp)
	return resp.ReleasedCount, err
}

func (bc *BookingClient) Book(ctx context.Context, req shared.BookRequest) (shared.BookResponse, error) {
	var resp shared.BookResponse
	err := bc.do(ctx, http.MethodPost, shared.APIEndpointBook, req, &resp)
	return resp, err
}

// HealthCheck verifies the booking service is available
func (bc *BookingClient) HealthCheck(ctx context.Context) error {
	return bc.do(ctx, http.MethodGet, shared.APIEndpointHealth, nil, nil)
}

// do sends body as JSON and decodes a 200 reply into out. Transport
// failures are reported as reservation.ErrTransient.
func (bc *BookingClient) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, bc.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := bc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %w", reservation.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var errResp shared.ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
			apiErr.Conflicting = errResp.Conflicting
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", reservation.ErrTransient, err)
	}
	return nil
}
