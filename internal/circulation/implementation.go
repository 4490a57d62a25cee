package circulation

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/catalog"
	"libracirc/internal/membership"
	"libracirc/internal/notify"
	"libracirc/internal/policy"
)

// uniqueViolation is the Postgres error code raised when the partial unique
// index on open loans catches a concurrent borrow of the same pair.
const uniqueViolation = "23505"

// service implements Service. Each operation is one read-committed
// transaction: all preconditions are checked before any write, the open-loan
// unique index and item row locks re-verify the racy checks at commit, and a
// failed commit leaves no partial state.
type service struct {
	db       *sqlx.DB
	items    *catalog.Store
	members  *membership.Store
	policies *policy.Store
	sink     notify.Sink
	clock    clockwork.Clock
	log      *slog.Logger
	tracer   trace.Tracer

	fines     FineEngine
	penalties PenaltyTracker
	queue     ReservationQueue
}

// NewService creates the circulation service.
func NewService(db *sqlx.DB, items *catalog.Store, members *membership.Store,
	policies *policy.Store, sink notify.Sink, clock clockwork.Clock, log *slog.Logger) Service {
	return &service{
		db:       db,
		items:    items,
		members:  members,
		policies: policies,
		sink:     sink,
		clock:    clock,
		log:      log,
		tracer:   otel.Tracer("libracirc/circulation"),
	}
}

// Borrow hands a copy of the item to the member and opens a Loan.
func (s *service) Borrow(ctx context.Context, isbn string, memberID int64) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("item.isbn", isbn),
			attribute.Int64("member.id", memberID),
		),
	)
	defer span.End()

	pol, err := s.policies.Current(ctx)
	if err != nil {
		return nil, persistence("load policy", err)
	}
	now := s.clock.Now().UTC()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	member, err := s.members.MemberForUpdate(ctx, tx, memberID)
	if errors.Is(err, membership.ErrNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, persistence("load member", err)
	}
	if s.penalties.IsSuspended(member.SuspendedUntil, now) {
		return nil, &SuspendedError{MemberID: memberID, Until: *member.SuspendedUntil}
	}

	item, err := s.items.ItemForUpdate(ctx, tx, isbn)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, persistence("load item", err)
	}

	openForItem, err := s.openLoanCountForItem(ctx, tx, isbn)
	if err != nil {
		return nil, persistence("count open loans", err)
	}
	if AvailableCopies(item.TotalCopies, openForItem) <= 0 {
		return nil, ErrItemUnavailable
	}

	var hasOpen bool
	err = tx.GetContext(ctx, &hasOpen, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE isbn = $1 AND member_id = $2 AND returned_at IS NULL
		)
	`, isbn, memberID)
	if err != nil {
		return nil, persistence("check open loan", err)
	}
	if hasOpen {
		return nil, ErrAlreadyBorrowed
	}

	if member.CurrentBorrowed >= pol.MaxBooksPerMember {
		return nil, &LoanLimitError{MemberID: memberID, Limit: pol.MaxBooksPerMember}
	}

	loan := &Loan{
		ISBN:       isbn,
		MemberID:   memberID,
		BorrowedAt: now,
		DueAt:      now.AddDate(0, 0, pol.LoanPeriodDays),
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO loans (isbn, member_id, borrowed_at, due_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, loan.ISBN, loan.MemberID, loan.BorrowedAt, loan.DueAt).Scan(&loan.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrAlreadyBorrowed
		}
		return nil, persistence("insert loan", err)
	}

	if err := s.items.RecordBorrow(ctx, tx, isbn, now); err != nil {
		return nil, persistence("update item counters", err)
	}
	if err := s.members.ApplyBorrow(ctx, tx, memberID); err != nil {
		return nil, persistence("update member counters", err)
	}

	// A queued member picking up their hold fulfills the reservation.
	if held, err := s.queue.ActiveFor(ctx, tx, isbn, memberID); err != nil {
		return nil, persistence("load reservation", err)
	} else if held != nil {
		if _, err := s.queue.Fulfill(ctx, tx, held.ID); err != nil {
			return nil, persistence("fulfill reservation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrAlreadyBorrowed
		}
		return nil, persistence("commit borrow", err)
	}

	span.SetAttributes(attribute.Int64("loan.id", loan.ID))
	s.emit(ctx, borrowedEvent(loan, item.Title, member.Email))
	return loan, nil
}

// Return closes the open loan, charges a fine for lateness, and reports the
// reservation queue head so a pickup notice can go out. The head is only
// notified; borrowing remains an explicit action by the holder.
func (s *service) Return(ctx context.Context, req ReturnRequest) (*ReturnResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(
			attribute.Int64("loan.id", req.LoanID),
			attribute.String("item.isbn", req.ISBN),
			attribute.Int64("member.id", req.MemberID),
		),
	)
	defer span.End()

	pol, err := s.policies.Current(ctx)
	if err != nil {
		return nil, persistence("load policy", err)
	}
	now := s.clock.Now().UTC()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	loan, err := s.findLoan(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if loan.State() == LoanReturned {
		return nil, ErrAlreadyReturned
	}

	loan.ReturnedAt = &now
	fine := s.fines.Compute(loan.DueAt, now, pol.FinePerDay)

	if fine > 0 {
		amount := fine
		loan.FineAmount = &amount
		_, err = tx.ExecContext(ctx, `
			INSERT INTO fines (loan_id, member_id, amount, reason, created_at)
			VALUES ($1, $2, $3, 'late_return', $4)
		`, loan.ID, loan.MemberID, amount, now)
		if err != nil {
			return nil, persistence("insert fine", err)
		}

		member, err := s.members.MemberForUpdate(ctx, tx, loan.MemberID)
		if err != nil {
			return nil, persistence("load member", err)
		}
		until := s.penalties.ExtendSuspension(member.SuspendedUntil, now,
			time.Duration(pol.SuspensionDays)*24*time.Hour)
		if err := s.members.Suspend(ctx, tx, loan.MemberID, until); err != nil {
			return nil, persistence("suspend member", err)
		}
		span.SetAttributes(attribute.Float64("fine.amount", amount))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loans SET returned_at = $2, fine_amount = $3 WHERE id = $1
	`, loan.ID, loan.ReturnedAt, loan.FineAmount)
	if err != nil {
		return nil, persistence("update loan", err)
	}
	if err := s.members.ApplyReturn(ctx, tx, loan.MemberID); err != nil {
		return nil, persistence("update member counters", err)
	}

	head, err := s.queue.Head(ctx, tx, loan.ISBN)
	if err != nil {
		return nil, persistence("load queue head", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("commit return", err)
	}

	item, member := s.loanParties(ctx, loan)
	s.emit(ctx, returnedEvent(loan, itemTitle(item), memberEmail(member), fine))
	if fine > 0 {
		s.emit(ctx, overdueEvent(loan, itemTitle(item), memberEmail(member), s.fines.DaysLate(loan.DueAt, now)))
	}
	if head != nil {
		headMember, err := s.members.Member(ctx, head.MemberID)
		if err != nil {
			s.log.WarnContext(ctx, "queue head lookup for notification failed",
				"member_id", head.MemberID, "error", err)
		}
		s.emit(ctx, reservationReadyEvent(head, itemTitle(item), memberEmail(headMember)))
	}

	return &ReturnResult{Loan: loan, FineAmount: fine, QueueHead: head}, nil
}

// Renew extends the due date from the current due date, not from now:
// renewing early keeps the full benefit and renewing late does not erase
// accrued lateness.
func (s *service) Renew(ctx context.Context, loanID int64) (*Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew",
		trace.WithAttributes(attribute.Int64("loan.id", loanID)),
	)
	defer span.End()

	pol, err := s.policies.Current(ctx)
	if err != nil {
		return nil, persistence("load policy", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var loan Loan
	err = tx.GetContext(ctx, &loan,
		`SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveLoan
	}
	if err != nil {
		return nil, persistence("load loan", err)
	}
	if loan.State() == LoanReturned {
		return nil, ErrAlreadyReturned
	}
	if loan.RenewCount >= pol.MaxRenewCount {
		return nil, &RenewLimitError{LoanID: loanID, Limit: pol.MaxRenewCount}
	}

	loan.DueAt = loan.DueAt.AddDate(0, 0, pol.LoanPeriodDays)
	loan.RenewCount++
	_, err = tx.ExecContext(ctx,
		`UPDATE loans SET due_at = $2, renew_count = $3 WHERE id = $1`,
		loan.ID, loan.DueAt, loan.RenewCount)
	if err != nil {
		return nil, persistence("update loan", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("commit renew", err)
	}
	return &loan, nil
}

// Reserve queues the member for an item that has no free copies. Members
// with copies on the shelf must borrow directly.
func (s *service) Reserve(ctx context.Context, isbn string, memberID int64) (*Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reserve",
		trace.WithAttributes(
			attribute.String("item.isbn", isbn),
			attribute.Int64("member.id", memberID),
		),
	)
	defer span.End()

	pol, err := s.policies.Current(ctx)
	if err != nil {
		return nil, persistence("load policy", err)
	}
	now := s.clock.Now().UTC()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	member, err := s.members.MemberForUpdate(ctx, tx, memberID)
	if errors.Is(err, membership.ErrNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, persistence("load member", err)
	}
	if s.penalties.IsSuspended(member.SuspendedUntil, now) {
		return nil, &SuspendedError{MemberID: memberID, Until: *member.SuspendedUntil}
	}

	item, err := s.items.ItemForUpdate(ctx, tx, isbn)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, persistence("load item", err)
	}

	openForItem, err := s.openLoanCountForItem(ctx, tx, isbn)
	if err != nil {
		return nil, persistence("count open loans", err)
	}
	if AvailableCopies(item.TotalCopies, openForItem) > 0 {
		return nil, ErrItemAvailable
	}

	r, err := s.queue.Enqueue(ctx, tx, isbn, memberID, now, pol.ReservationExpiryDays)
	if err != nil {
		if errors.Is(err, ErrAlreadyQueued) {
			return nil, err
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrAlreadyQueued
		}
		return nil, persistence("enqueue reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("commit reserve", err)
	}

	span.SetAttributes(attribute.Int("queue.position", r.QueuePosition))
	s.emit(ctx, reservedEvent(r, item.Title))
	return r, nil
}

// CancelReservation cancels an active reservation and closes the queue gap.
func (s *service) CancelReservation(ctx context.Context, reservationID int64) error {
	ctx, span := s.tracer.Start(ctx, "circulation.cancel_reservation",
		trace.WithAttributes(attribute.Int64("reservation.id", reservationID)),
	)
	defer span.End()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.queue.Cancel(ctx, tx, reservationID); err != nil {
		if errors.Is(err, ErrNoActiveReservation) {
			return err
		}
		return persistence("cancel reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return persistence("commit cancel", err)
	}
	return nil
}

// ExpireReservations expires stale holds. Intended for a periodic external
// caller; calling it twice in a row is harmless.
func (s *service) ExpireReservations(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.expire_reservations")
	defer span.End()

	now := s.clock.Now().UTC()

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := s.queue.ExpireStale(ctx, tx, now)
	if err != nil {
		return 0, persistence("expire reservations", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, persistence("commit expire", err)
	}

	span.SetAttributes(attribute.Int("reservations.expired", n))
	return n, nil
}

// Availability reports the copy counts for one item.
func (s *service) Availability(ctx context.Context, isbn string) (*ItemAvailability, error) {
	item, err := s.items.Item(ctx, isbn)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, persistence("load item", err)
	}

	var open int
	err = s.db.GetContext(ctx, &open,
		`SELECT COUNT(*) FROM loans WHERE isbn = $1 AND returned_at IS NULL`, isbn)
	if err != nil {
		return nil, persistence("count open loans", err)
	}

	return &ItemAvailability{
		ISBN:        item.ISBN,
		Title:       item.Title,
		TotalCopies: item.TotalCopies,
		Borrowed:    open,
		Available:   AvailableCopies(item.TotalCopies, open),
	}, nil
}

// NotifyOverdue emits one overdue notice per open loan past its due date.
// Read-only and re-entrant; an external scheduler calls it periodically.
func (s *service) NotifyOverdue(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.notify_overdue")
	defer span.End()

	now := s.clock.Now().UTC()

	var rows []struct {
		Loan
		Title string `db:"title"`
		Email string `db:"email"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT l.id, l.isbn, l.member_id, l.borrowed_at, l.due_at,
		       l.returned_at, l.renew_count, l.fine_amount,
		       i.title, m.email
		FROM loans l
		JOIN items i ON i.isbn = l.isbn
		JOIN members m ON m.id = l.member_id
		WHERE l.returned_at IS NULL AND l.due_at < $1
		ORDER BY l.due_at
	`, now)
	if err != nil {
		return 0, persistence("load overdue loans", err)
	}

	for i := range rows {
		loan := rows[i].Loan
		s.emit(ctx, overdueEvent(&loan, rows[i].Title, rows[i].Email, s.fines.DaysLate(loan.DueAt, now)))
	}

	span.SetAttributes(attribute.Int("loans.overdue", len(rows)))
	return len(rows), nil
}

// MarkFinePaid flips an unpaid fine to paid. The amount itself is immutable.
func (s *service) MarkFinePaid(ctx context.Context, fineID int64) error {
	ctx, span := s.tracer.Start(ctx, "circulation.mark_fine_paid",
		trace.WithAttributes(attribute.Int64("fine.id", fineID)),
	)
	defer span.End()

	now := s.clock.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE fines SET status = 'paid', paid_at = $2
		WHERE id = $1 AND status = 'unpaid'
	`, fineID, now)
	if err != nil {
		return persistence("pay fine", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.GetContext(ctx, &status, `SELECT status FROM fines WHERE id = $1`, fineID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrFineNotFound
		}
		if err != nil {
			return persistence("load fine", err)
		}
		return ErrFineAlreadyPaid
	}
	return nil
}

const loanColumns = `id, isbn, member_id, borrowed_at, due_at, returned_at, renew_count, fine_amount`

func (s *service) begin(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, persistence("begin transaction", err)
	}
	return tx, nil
}

func (s *service) openLoanCountForItem(ctx context.Context, tx *sqlx.Tx, isbn string) (int, error) {
	var n int
	err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM loans WHERE isbn = $1 AND returned_at IS NULL`, isbn)
	return n, err
}

// findLoan resolves a ReturnRequest to a locked loan row.
func (s *service) findLoan(ctx context.Context, tx *sqlx.Tx, req ReturnRequest) (*Loan, error) {
	var loan Loan
	var err error
	switch {
	case req.LoanID != 0:
		err = tx.GetContext(ctx, &loan,
			`SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, req.LoanID)
	case req.ISBN != "" && req.MemberID != 0:
		err = tx.GetContext(ctx, &loan, `
			SELECT `+loanColumns+` FROM loans
			WHERE isbn = $1 AND member_id = $2 AND returned_at IS NULL
			FOR UPDATE
		`, req.ISBN, req.MemberID)
	default:
		return nil, ErrNoActiveLoan
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveLoan
	}
	if err != nil {
		return nil, persistence("load loan", err)
	}
	return &loan, nil
}

// loanParties loads item and member for event payloads after commit. Both
// are best-effort: a lookup failure degrades the notification, not the
// operation.
func (s *service) loanParties(ctx context.Context, loan *Loan) (*catalog.Item, *membership.Member) {
	item, err := s.items.Item(ctx, loan.ISBN)
	if err != nil {
		s.log.WarnContext(ctx, "item lookup for notification failed",
			"isbn", loan.ISBN, "error", err)
	}
	member, err := s.members.Member(ctx, loan.MemberID)
	if err != nil {
		s.log.WarnContext(ctx, "member lookup for notification failed",
			"member_id", loan.MemberID, "error", err)
	}
	return item, member
}

func itemTitle(it *catalog.Item) string {
	if it == nil {
		return ""
	}
	return it.Title
}

func memberEmail(m *membership.Member) string {
	if m == nil {
		return ""
	}
	return m.Email
}

func (s *service) emit(ctx context.Context, ev notify.Event) {
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "notification emit failed",
			"event", ev.Type, "error", err)
	}
}
