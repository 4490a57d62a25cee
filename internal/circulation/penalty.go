package circulation

import "time"

// PenaltyTracker decides suspension windows for late returners. Suspensions
// stack: a member who is already suspended gets the new length added onto the
// end of the existing window rather than restarting it.
type PenaltyTracker struct{}

// IsSuspended reports whether the member is barred from borrowing at now.
func (PenaltyTracker) IsSuspended(until *time.Time, now time.Time) bool {
	return until != nil && until.After(now)
}

// ExtendSuspension returns the new suspension end after one more offence.
// No active suspension starts a fresh window from now; an active one is
// extended from its current end.
func (pt PenaltyTracker) ExtendSuspension(current *time.Time, now time.Time, length time.Duration) time.Time {
	if pt.IsSuspended(current, now) {
		return current.Add(length)
	}
	return now.Add(length)
}
