package circulation

import "context"

// ReturnRequest identifies the loan to close: by loan id (desk flow) or by
// (isbn, member) pair (kiosk flow). LoanID wins when both are set.
type ReturnRequest struct {
	LoanID   int64  `json:"loan_id,omitempty"`
	ISBN     string `json:"isbn,omitempty"`
	MemberID int64  `json:"member_id,omitempty"`
}

// ReturnResult reports the closed loan, any fine charged, and the queue head
// that should be told a copy is now free.
type ReturnResult struct {
	Loan       *Loan        `json:"loan"`
	FineAmount float64      `json:"fine_amount"`
	QueueHead  *Reservation `json:"queue_head,omitempty"`
}

// Service defines the circulation operations. Every method returns either a
// success payload or one of the typed failures in errors.go; time comes from
// the injected clock, never from the caller.
type Service interface {
	Borrow(ctx context.Context, isbn string, memberID int64) (*Loan, error)
	Return(ctx context.Context, req ReturnRequest) (*ReturnResult, error)
	Renew(ctx context.Context, loanID int64) (*Loan, error)

	Reserve(ctx context.Context, isbn string, memberID int64) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID int64) error
	ExpireReservations(ctx context.Context) (int, error)

	Availability(ctx context.Context, isbn string) (*ItemAvailability, error)
	NotifyOverdue(ctx context.Context) (int, error)
	MarkFinePaid(ctx context.Context, fineID int64) error
}
