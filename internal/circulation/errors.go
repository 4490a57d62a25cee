package circulation

import (
	"errors"
	"fmt"
	"time"
)

// Validation failures: the request is inconsistent with current state.
var (
	ErrMemberNotFound      = errors.New("member not found")
	ErrItemNotFound        = errors.New("item not found")
	ErrAlreadyBorrowed     = errors.New("member already has this item on loan")
	ErrNoActiveLoan        = errors.New("no active loan for this item and member")
	ErrAlreadyReturned     = errors.New("loan has already been returned")
	ErrAlreadyQueued       = errors.New("member already has an active reservation for this item")
	ErrNoActiveReservation = errors.New("no active reservation with this id")
	ErrFineNotFound        = errors.New("fine not found")
	ErrFineAlreadyPaid     = errors.New("fine has already been paid")
)

// Policy failures: a business rule refused the request.
var (
	ErrItemUnavailable = errors.New("no copies of this item are available")
	ErrItemAvailable   = errors.New("copies are available; borrow the item instead of reserving it")
)

// SuspendedError refuses borrowing and reserving while a member is serving a
// suspension. Until is included so callers can render it without a lookup.
type SuspendedError struct {
	MemberID int64
	Until    time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("member %d is suspended until %s", e.MemberID, e.Until.Format("2006-01-02"))
}

// LoanLimitError refuses a borrow when the member is at the configured limit.
type LoanLimitError struct {
	MemberID int64
	Limit    int
}

func (e *LoanLimitError) Error() string {
	return fmt.Sprintf("member %d has reached the loan limit of %d", e.MemberID, e.Limit)
}

// RenewLimitError refuses a renewal past the configured count.
type RenewLimitError struct {
	LoanID int64
	Limit  int
}

func (e *RenewLimitError) Error() string {
	return fmt.Sprintf("loan %d has reached the renewal limit of %d", e.LoanID, e.Limit)
}

// PersistenceError marks a storage failure at read or commit time. The
// operation is treated as not having happened; callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
