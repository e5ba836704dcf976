// Package datekey normalizes the date shapes accepted from participants into
// one canonical day key.
package datekey

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Layout is the canonical key layout. Keys sort lexicographically in
// calendar order.
const Layout = "2006-01-02"

// ErrInvalidDateFormat is returned when a raw date matches none of the
// accepted shapes.
var ErrInvalidDateFormat = errors.New("invalid date format")

// inputLayouts are tried in order; the first one that parses wins. Because
// every non-canonical layout puts the day first, a string such as
// "03-04-2025" is always the 3rd of April.
var inputLayouts = []string{
	Layout,       // YYYY-MM-DD
	"02-01-2006", // DD-MM-YYYY
	"02/01/2006", // DD/MM/YYYY
}

// Key is a canonical calendar day, formatted as YYYY-MM-DD.
type Key string

// Normalize converts raw into a Key. Accepted inputs are a Key, a time.Time,
// a non-nil *time.Time, or a string in one of the input layouts.
func Normalize(raw any) (Key, error) {
	switch v := raw.(type) {
	case Key:
		return Parse(string(v))
	case time.Time:
		return FromTime(v), nil
	case *time.Time:
		if v == nil {
			return "", fmt.Errorf("%w: nil time", ErrInvalidDateFormat)
		}
		return FromTime(*v), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range inputLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return FromTime(t), nil
			}
		}
		return "", fmt.Errorf("%w: %q", ErrInvalidDateFormat, v)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidDateFormat, raw)
	}
}

// Parse accepts only the canonical layout.
func Parse(s string) (Key, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	return FromTime(t), nil
}

// FromTime returns the key of the calendar day t falls on in t's own location.
func FromTime(t time.Time) Key {
	return Key(t.Format(Layout))
}

func (k Key) String() string { return string(k) }

// Time returns midnight UTC of the day.
func (k Key) Time() time.Time {
	t, _ := time.Parse(Layout, string(k))
	return t
}

func (k Key) AddDays(n int) Key {
	return FromTime(k.Time().AddDate(0, 0, n))
}

// Month returns the year and month the key falls in.
func (k Key) Month() (int, time.Month) {
	t := k.Time()
	return t.Year(), t.Month()
}

// Format renders the key with another layout, for display at the edges.
func (k Key) Format(layout string) string {
	return k.Time().Format(layout)
}

// WeekOf returns the seven keys Monday through Sunday of the ISO week that
// contains k.
func WeekOf(k Key) []Key {
	t := k.Time()
	offset := (int(t.Weekday()) + 6) % 7 // Monday == 0
	monday := FromTime(t.AddDate(0, 0, -offset))
	days := make([]Key, 7)
	for i := range days {
		days[i] = monday.AddDays(i)
	}
	return days
}

// MonthBounds returns the first and last calendar day of a month.
func MonthBounds(year int, month time.Month) (Key, Key) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return FromTime(first), FromTime(last)
}
