// Package showkey derives the partition key every seat structure is keyed by.
package showkey

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DateLayout is the canonical date form used inside a Key.
const DateLayout = "2006-01-02"

const separator = "|"

var ErrInvalidShow = errors.New("invalid show")

// Key identifies one screening. Equal shows always produce equal keys.
type Key string

func (k Key) String() string { return string(k) }

// Show is the (movie, city, showtime, date) tuple a Key is built from.
type Show struct {
	MovieID  string `json:"movieId" form:"movieId"`
	City     string `json:"city" form:"city"`
	Showtime string `json:"showtime" form:"showtime"`
	Date     string `json:"date" form:"date"`
}

// accepted date inputs, normalized to DateLayout
var dateLayouts = []string{DateLayout, time.RFC3339, time.RFC3339Nano, "2006/01/02"}

// Normalize trims every component and rewrites the date to DateLayout.
func (s Show) Normalize() (Show, error) {
	out := Show{
		MovieID:  strings.TrimSpace(s.MovieID),
		City:     strings.TrimSpace(s.City),
		Showtime: strings.TrimSpace(s.Showtime),
	}
	if out.MovieID == "" || out.City == "" || out.Showtime == "" {
		return Show{}, fmt.Errorf("%w: movieId, city and showtime are required", ErrInvalidShow)
	}
	date, err := normalizeDate(s.Date)
	if err != nil {
		return Show{}, err
	}
	out.Date = date
	return out, nil
}

// Key normalizes the show and encodes it. Components are query-escaped so
// the separator can never appear inside one of them.
func (s Show) Key() (Key, error) {
	n, err := s.Normalize()
	if err != nil {
		return "", err
	}
	parts := []string{
		url.QueryEscape(n.MovieID),
		url.QueryEscape(n.City),
		url.QueryEscape(n.Showtime),
		n.Date,
	}
	return Key(strings.Join(parts, separator)), nil
}

// MustKey is Key for shows that are known to be valid, e.g. in tests.
func (s Show) MustKey() Key {
	k, err := s.Key()
	if err != nil {
		panic(err)
	}
	return k
}

// Parse reverses Key.
func Parse(k Key) (Show, error) {
	parts := strings.Split(string(k), separator)
	if len(parts) != 4 {
		return Show{}, fmt.Errorf("%w: malformed key %q", ErrInvalidShow, k)
	}
	var decoded [3]string
	for i := 0; i < 3; i++ {
		v, err := url.QueryUnescape(parts[i])
		if err != nil {
			return Show{}, fmt.Errorf("%w: %v", ErrInvalidShow, err)
		}
		decoded[i] = v
	}
	return Show{MovieID: decoded[0], City: decoded[1], Showtime: decoded[2], Date: parts[3]}.Normalize()
}

func normalizeDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: date is required", ErrInvalidShow)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(DateLayout), nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized date %q", ErrInvalidShow, raw)
}
