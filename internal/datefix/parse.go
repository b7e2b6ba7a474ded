package datefix

import (
	"strings"
	"time"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/observation"
)

// embeddedLayouts are tried in order. EXIF stores local time without a zone.
var embeddedLayouts = []string{
	"2006:01:02 15:04:05",
	"2006:01:02 15:04:05Z07:00",
	"2006:01:02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseEmbedded parses an embedded capture timestamp. Values without a zone
// are read in loc. Malformed or empty values yield ok == false.
func ParseEmbedded(s string, loc *time.Location) (t time.Time, ok bool) {
	s = strings.TrimSpace(strings.TrimRight(s, "\x00"))
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range embeddedLayouts {
		if parsed, err := time.ParseInLocation(layout, s, loc); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// ParseClaimed parses the submitter's date, YYYY-MM-DD or RFC 3339
func ParseClaimed(s string, loc *time.Location) (observation.Date, error) {
	d, err := observation.ParseDate(strings.TrimSpace(s), loc)
	if err != nil {
		return observation.Date{}, errors.New(err).
			Component("datefix").
			Category(errors.CategoryValidation).
			Context("field", "date").
			Build()
	}
	return d, nil
}
