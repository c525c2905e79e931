package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// DayLayout is the canonical textual form of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date in YYYY-MM-DD form. Counters are keyed by Day so
// that the same date means the same row regardless of server time zone.
type Day string

// DayOf returns the calendar date of t in t's location.
func DayOf(t time.Time) Day { return Day(t.Format(DayLayout)) }

// ParseDay validates s and returns it as a Day.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return DayOf(t), nil
}

// Time returns midnight UTC of d.
func (d Day) Time() time.Time {
	t, _ := time.Parse(DayLayout, string(d))
	return t
}

// AddDays returns the date n days after d (n may be negative).
func (d Day) AddDays(n int) Day { return DayOf(d.Time().AddDate(0, 0, n)) }

func (d Day) String() string { return string(d) }

// Value stores a Day as its string form.
func (d Day) Value() (driver.Value, error) { return string(d), nil }

// Scan reads a Day from a string, []byte or time column.
func (d *Day) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*d = Day(v)
	case []byte:
		*d = Day(v)
	case time.Time:
		*d = DayOf(v)
	case nil:
		*d = ""
	default:
		return fmt.Errorf("cannot scan %T into Day", src)
	}
	return nil
}
