package shared

import (
	"fmt"
	"time"
)

const weekLayout = "2006-01-02"

// WeekStart returns the Monday (00:00 UTC) of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	d := DateOf(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// WeekEnd returns the Sunday closing the week that starts at weekStart.
func WeekEnd(weekStart time.Time) time.Time {
	return WeekStart(weekStart).AddDate(0, 0, 6)
}

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// InWeek reports whether date falls inside the Monday-Sunday week at weekStart.
func InWeek(weekStart, date time.Time) bool {
	start := WeekStart(weekStart)
	d := DateOf(date)
	return !d.Before(start) && !d.After(WeekEnd(start))
}

// IsWeekend reports whether date is a Saturday or Sunday.
func IsWeekend(date time.Time) bool {
	wd := date.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Weekdays returns Monday through Friday for the week at weekStart.
func Weekdays(weekStart time.Time) []time.Time {
	start := WeekStart(weekStart)
	days := make([]time.Time, 0, 5)
	for i := 0; i < 5; i++ {
		days = append(days, start.AddDate(0, 0, i))
	}
	return days
}

// FormatWeek renders the week key as the Monday date.
func FormatWeek(t time.Time) string {
	return WeekStart(t).Format(weekLayout)
}

// FormatDate renders a calendar date.
func FormatDate(t time.Time) string {
	return DateOf(t).Format(weekLayout)
}

// ParseWeek accepts either a date (any day of the week) or an ISO week such as 2025-W07.
func ParseWeek(value string) (time.Time, error) {
	if t, err := time.Parse(weekLayout, value); err == nil {
		return WeekStart(t), nil
	}
	var year, week int
	if _, err := fmt.Sscanf(value, "%d-W%d", &year, &week); err != nil || week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("parse week %q: %w", value, ErrValidation)
	}
	// Jan 4th is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	return WeekStart(jan4).AddDate(0, 0, (week-1)*7), nil
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(weekLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", value, ErrValidation)
	}
	return t, nil
}
