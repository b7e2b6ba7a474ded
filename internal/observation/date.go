package observation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DateLayout is the wire format of a date without a time of day
	DateLayout = "2006-01-02"
)

// Date is a calendar date with optional time-of-day precision. A date-only
// value holds midnight in its location and marshals as 2006-01-02; a
// date-time value marshals as RFC 3339.
type Date struct {
	Time    time.Time
	HasTime bool
}

// DateOf returns the date-only value for the calendar day of t
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, t.Location())}
}

// DateTimeOf returns a date-time value
func DateTimeOf(t time.Time) Date {
	return Date{Time: t, HasTime: true}
}

// IsZero reports whether the date is unset
func (d Date) IsZero() bool {
	return d.Time.IsZero()
}

// Equal compares instant and precision
func (d Date) Equal(other Date) bool {
	return d.HasTime == other.HasTime && d.Time.Equal(other.Time)
}

// String formats the date the way it is marshalled
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	if d.HasTime {
		return d.Time.Format(time.RFC3339)
	}
	return d.Time.Format(DateLayout)
}

// ParseDate accepts 2006-01-02 or RFC 3339. Date-only values are placed at
// midnight in loc.
func ParseDate(s string, loc *time.Location) (Date, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(DateLayout, s, loc); err == nil {
		return Date{Time: t}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return Date{Time: t, HasTime: true}, nil
}

// MarshalJSON implements json.Marshaler
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler. Date-only values decode in UTC.
func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s, time.UTC)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
