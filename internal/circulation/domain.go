package circulation

import (
	"strconv"
	"time"

	"libracirc/internal/notify"
)

// LoanState is derived from the return timestamp; a loan is never deleted by
// the circulation core.
type LoanState string

const (
	LoanOpen     LoanState = "open"
	LoanReturned LoanState = "returned"
)

// Loan records one copy of an item in a member's possession until returned.
type Loan struct {
	ID         int64      `db:"id" json:"id"`
	ISBN       string     `db:"isbn" json:"isbn"`
	MemberID   int64      `db:"member_id" json:"member_id"`
	BorrowedAt time.Time  `db:"borrowed_at" json:"borrowed_at"`
	DueAt      time.Time  `db:"due_at" json:"due_at"`
	ReturnedAt *time.Time `db:"returned_at" json:"returned_at,omitempty"`
	RenewCount int        `db:"renew_count" json:"renew_count"`
	FineAmount *float64   `db:"fine_amount" json:"fine_amount,omitempty"`
}

// State reports whether the loan is still open.
func (l *Loan) State() LoanState {
	if l.ReturnedAt == nil {
		return LoanOpen
	}
	return LoanReturned
}

// ReservationStatus is an explicit enum; there is no nullable-column state.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a queued intent to borrow an item once a copy frees up.
// Active reservations for one item hold gap-free positions 1..N.
type Reservation struct {
	ID            int64             `db:"id" json:"id"`
	ISBN          string            `db:"isbn" json:"isbn"`
	MemberID      int64             `db:"member_id" json:"member_id"`
	QueuePosition int               `db:"queue_position" json:"queue_position"`
	Status        ReservationStatus `db:"status" json:"status"`
	ExpiresAt     time.Time         `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

// Fine is a monetary charge tied to one late return. Immutable once created
// except for the paid flag.
type Fine struct {
	ID        int64      `db:"id" json:"id"`
	LoanID    int64      `db:"loan_id" json:"loan_id"`
	MemberID  int64      `db:"member_id" json:"member_id"`
	Amount    float64    `db:"amount" json:"amount"`
	Reason    string     `db:"reason" json:"reason"`
	Status    string     `db:"status" json:"status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	PaidAt    *time.Time `db:"paid_at" json:"paid_at,omitempty"`
}

// Event types emitted to the notification sink. Emission is fire-and-forget
// and never affects the outcome of a circulation operation.
const (
	EventBorrowed         = "borrow_confirmation"
	EventReturned         = "return_receipt"
	EventOverdue          = "overdue_notice"
	EventReserved         = "reservation_placed"
	EventReservationReady = "reservation_ready"
)

func borrowedEvent(loan *Loan, title, memberEmail string) notify.Event {
	return notify.Event{
		Type: EventBorrowed,
		Payload: map[string]string{
			"loan_id":      strconv.FormatInt(loan.ID, 10),
			"isbn":         loan.ISBN,
			"book_title":   title,
			"member_id":    strconv.FormatInt(loan.MemberID, 10),
			"member_email": memberEmail,
			"borrow_date":  loan.BorrowedAt.Format(time.RFC3339),
			"due_date":     loan.DueAt.Format(time.RFC3339),
		},
	}
}

func returnedEvent(loan *Loan, title, memberEmail string, fine float64) notify.Event {
	return notify.Event{
		Type: EventReturned,
		Payload: map[string]string{
			"loan_id":      strconv.FormatInt(loan.ID, 10),
			"isbn":         loan.ISBN,
			"book_title":   title,
			"member_id":    strconv.FormatInt(loan.MemberID, 10),
			"member_email": memberEmail,
			"return_date":  loan.ReturnedAt.Format(time.RFC3339),
			"fine_amount":  strconv.FormatFloat(fine, 'f', 2, 64),
		},
	}
}

func overdueEvent(loan *Loan, title, memberEmail string, daysLate int) notify.Event {
	return notify.Event{
		Type: EventOverdue,
		Payload: map[string]string{
			"loan_id":      strconv.FormatInt(loan.ID, 10),
			"isbn":         loan.ISBN,
			"book_title":   title,
			"member_id":    strconv.FormatInt(loan.MemberID, 10),
			"member_email": memberEmail,
			"due_date":     loan.DueAt.Format(time.RFC3339),
			"days_overdue": strconv.Itoa(daysLate),
		},
	}
}

func reservedEvent(r *Reservation, title string) notify.Event {
	return notify.Event{
		Type: EventReserved,
		Payload: map[string]string{
			"reservation_id": strconv.FormatInt(r.ID, 10),
			"isbn":           r.ISBN,
			"book_title":     title,
			"member_id":      strconv.FormatInt(r.MemberID, 10),
			"queue_position": strconv.Itoa(r.QueuePosition),
			"expires_at":     r.ExpiresAt.Format(time.RFC3339),
		},
	}
}

func reservationReadyEvent(r *Reservation, title, memberEmail string) notify.Event {
	return notify.Event{
		Type: EventReservationReady,
		Payload: map[string]string{
			"reservation_id": strconv.FormatInt(r.ID, 10),
			"isbn":           r.ISBN,
			"book_title":     title,
			"member_id":      strconv.FormatInt(r.MemberID, 10),
			"member_email":   memberEmail,
			"expires_at":     r.ExpiresAt.Format(time.RFC3339),
		},
	}
}
