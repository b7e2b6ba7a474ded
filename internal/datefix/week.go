package datefix

import "time"

const daysPerWeek = 7

// calendarDay returns the day number of t's calendar date, ignoring the
// time of day and the UTC offset.
func calendarDay(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// WeekNumber is floor((date - start) / 7 days) over calendar days. Dates
// before start give negative weeks.
func WeekNumber(date, start time.Time) int {
	days := calendarDay(date) - calendarDay(start)
	week := days / daysPerWeek
	if days%daysPerWeek != 0 && days < 0 {
		week--
	}
	return week
}
