package circulation

import "time"

// FineEngine computes overdue fines. Lateness is measured on calendar date
// components, not wall-clock duration: a return at 00:05 the day after the
// due date is one full day late, while a late return on the due date itself
// is free.
type FineEngine struct{}

// Compute returns the fine for a loan due at dueAt and returned at
// returnedAt, at dailyRate per calendar day late. Never negative.
func (FineEngine) Compute(dueAt, returnedAt time.Time, dailyRate float64) float64 {
	if !returnedAt.After(dueAt) {
		return 0
	}
	days := calendarDaysBetween(dueAt, returnedAt)
	if days <= 0 {
		return 0
	}
	return float64(days) * dailyRate
}

// DaysLate returns the calendar-day lateness, floored at zero.
func (FineEngine) DaysLate(dueAt, at time.Time) int {
	if !at.After(dueAt) {
		return 0
	}
	if days := calendarDaysBetween(dueAt, at); days > 0 {
		return days
	}
	return 0
}

func calendarDaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f) / (24 * time.Hour))
}
