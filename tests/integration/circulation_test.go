// Package integration exercises the circulation service against a real
// Postgres instance. Set TEST_DATABASE_URL to run these tests; they are
// skipped otherwise.
package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/database"
	"libracirc/internal/membership"
	"libracirc/internal/notify"
	"libracirc/internal/policy"
)

type suite struct {
	db      *sqlx.DB
	clock   *clockwork.FakeClock
	service circulation.Service
	events  *eventRecorder
}

// eventRecorder captures emitted notifications for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Emit(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) byType(typ string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func setup(t *testing.T) *suite {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, url, 10)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(ctx, db))

	_, err = db.Exec(`TRUNCATE fines, reservations, loans, members, items RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	policies := policy.NewStore(db, clock, time.Second)
	events := &eventRecorder{}

	service := circulation.NewService(db,
		catalog.NewStore(db),
		membership.NewStore(db),
		policies,
		notify.FanOut{notify.NewLogSink(log), events},
		clock, log)

	return &suite{db: db, clock: clock, service: service, events: events}
}

func (s *suite) addItem(t *testing.T, isbn, title string, copies int) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO items (isbn, title, total_copies) VALUES ($1, $2, $3)`,
		isbn, title, copies)
	require.NoError(t, err)
}

// assertMemberCounters checks current_borrowed against the member's open
// loans and total_borrowed against their lifetime count.
func (s *suite) assertMemberCounters(t *testing.T, memberID int64, current, total int) {
	t.Helper()
	var m struct {
		Current int `db:"current_borrowed"`
		Total   int `db:"total_borrowed"`
	}
	require.NoError(t, s.db.Get(&m,
		`SELECT current_borrowed, total_borrowed FROM members WHERE id = $1`, memberID))
	assert.Equal(t, current, m.Current, "current_borrowed")
	assert.Equal(t, total, m.Total, "total_borrowed")

	var open int
	require.NoError(t, s.db.Get(&open,
		`SELECT COUNT(*) FROM loans WHERE member_id = $1 AND returned_at IS NULL`, memberID))
	assert.Equal(t, m.Current, open, "current_borrowed tracks open loans")
}

func (s *suite) addMember(t *testing.T, name, schoolNo string) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO members (full_name, school_no, email)
		VALUES ($1, $2, $3) RETURNING id
	`, name, schoolNo, schoolNo+"@school.test").Scan(&id)
	require.NoError(t, err)
	return id
}

func TestBorrowReturnCycle(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-1", "Dune", 2)
	alice := s.addMember(t, "Alice", "S001")

	loan, err := s.service.Borrow(ctx, "978-1", alice)
	require.NoError(t, err)
	assert.Equal(t, circulation.LoanOpen, loan.State())
	assert.True(t, loan.DueAt.Equal(s.clock.Now().AddDate(0, 0, 14)))

	avail, err := s.service.Availability(ctx, "978-1")
	require.NoError(t, err)
	assert.Equal(t, 1, avail.Available)

	// Member and item counters track the open loan.
	s.assertMemberCounters(t, alice, 1, 1)
	var item struct {
		TotalBorrowCount int        `db:"total_borrow_count"`
		LastBorrowedAt   *time.Time `db:"last_borrowed_at"`
	}
	require.NoError(t, s.db.Get(&item,
		`SELECT total_borrow_count, last_borrowed_at FROM items WHERE isbn = '978-1'`))
	assert.Equal(t, 1, item.TotalBorrowCount)
	require.NotNil(t, item.LastBorrowedAt)
	assert.True(t, item.LastBorrowedAt.Equal(s.clock.Now()))

	// Same pair cannot borrow a second copy, and the refusal moves no counters.
	_, err = s.service.Borrow(ctx, "978-1", alice)
	assert.ErrorIs(t, err, circulation.ErrAlreadyBorrowed)
	s.assertMemberCounters(t, alice, 1, 1)

	res, err := s.service.Return(ctx, circulation.ReturnRequest{LoanID: loan.ID})
	require.NoError(t, err)
	assert.Zero(t, res.FineAmount)
	assert.Equal(t, circulation.LoanReturned, res.Loan.State())

	// Return frees the open-loan counter but keeps the lifetime total.
	s.assertMemberCounters(t, alice, 0, 1)

	_, err = s.service.Return(ctx, circulation.ReturnRequest{LoanID: loan.ID})
	assert.ErrorIs(t, err, circulation.ErrAlreadyReturned)
}

func TestLateReturnFinesAndSuspends(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-2", "Neuromancer", 1)
	alice := s.addMember(t, "Alice", "S001")
	bob := s.addMember(t, "Bob", "S002")

	loan, err := s.service.Borrow(ctx, "978-2", alice)
	require.NoError(t, err)

	// Last copy is out; Bob cannot borrow but can queue.
	_, err = s.service.Borrow(ctx, "978-2", bob)
	assert.ErrorIs(t, err, circulation.ErrItemUnavailable)

	reservation, err := s.service.Reserve(ctx, "978-2", bob)
	require.NoError(t, err)
	assert.Equal(t, 1, reservation.QueuePosition)

	// Alice returns 3 days past the 14-day loan period.
	s.clock.Advance(17 * 24 * time.Hour)

	res, err := s.service.Return(ctx, circulation.ReturnRequest{ISBN: "978-2", MemberID: alice})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, res.FineAmount, 1e-9)
	require.NotNil(t, res.QueueHead)
	assert.Equal(t, bob, res.QueueHead.MemberID)

	// The pickup notice goes to the queue head with a mailable recipient.
	ready := s.events.byType(circulation.EventReservationReady)
	require.Len(t, ready, 1)
	assert.Equal(t, "S002@school.test", ready[0].Payload["member_email"])

	var suspendedUntil *time.Time
	require.NoError(t, s.db.Get(&suspendedUntil,
		`SELECT suspended_until FROM members WHERE id = $1`, alice))
	require.NotNil(t, suspendedUntil)
	assert.True(t, suspendedUntil.Equal(s.clock.Now().Add(30*24*time.Hour)),
		"suspended until %s", suspendedUntil)

	// Suspended members cannot borrow or reserve.
	var suspended *circulation.SuspendedError
	_, err = s.service.Borrow(ctx, "978-2", alice)
	require.ErrorAs(t, err, &suspended)
	_, err = s.service.Reserve(ctx, "978-2", alice)
	require.ErrorAs(t, err, &suspended)

	// Bob borrows the freed copy; his reservation is fulfilled.
	_, err = s.service.Borrow(ctx, "978-2", bob)
	require.NoError(t, err)

	var status string
	require.NoError(t, s.db.Get(&status,
		`SELECT status FROM reservations WHERE id = $1`, reservation.ID))
	assert.Equal(t, "fulfilled", status)

	// Paying the fine once succeeds, twice conflicts.
	var fineID int64
	require.NoError(t, s.db.Get(&fineID,
		`SELECT id FROM fines WHERE loan_id = $1`, loan.ID))
	require.NoError(t, s.service.MarkFinePaid(ctx, fineID))
	assert.ErrorIs(t, s.service.MarkFinePaid(ctx, fineID), circulation.ErrFineAlreadyPaid)
}

func TestRenewExtendsFromDueDate(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-3", "Snow Crash", 1)
	alice := s.addMember(t, "Alice", "S001")

	loan, err := s.service.Borrow(ctx, "978-3", alice)
	require.NoError(t, err)
	originalDue := loan.DueAt

	s.clock.Advance(5 * 24 * time.Hour)

	renewed, err := s.service.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, renewed.DueAt.Equal(originalDue.AddDate(0, 0, 14)),
		"due at %s", renewed.DueAt)
	assert.Equal(t, 1, renewed.RenewCount)

	_, err = s.service.Renew(ctx, loan.ID)
	require.NoError(t, err)

	var limit *circulation.RenewLimitError
	_, err = s.service.Renew(ctx, loan.ID)
	assert.ErrorAs(t, err, &limit)
}

func TestReservationQueueOrdering(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-4", "Hyperion", 1)
	holder := s.addMember(t, "Holder", "S000")
	_, err := s.service.Borrow(ctx, "978-4", holder)
	require.NoError(t, err)

	var ids []int64
	for i, schoolNo := range []string{"S001", "S002", "S003"} {
		m := s.addMember(t, schoolNo, schoolNo)
		r, err := s.service.Reserve(ctx, "978-4", m)
		require.NoError(t, err)
		assert.Equal(t, i+1, r.QueuePosition)
		ids = append(ids, r.ID)
	}

	// Duplicate reservation for the same pair is refused.
	var dupMember int64
	require.NoError(t, s.db.Get(&dupMember, `SELECT member_id FROM reservations WHERE id = $1`, ids[0]))
	_, err = s.service.Reserve(ctx, "978-4", dupMember)
	assert.ErrorIs(t, err, circulation.ErrAlreadyQueued)

	// Cancelling the middle entry closes the gap.
	require.NoError(t, s.service.CancelReservation(ctx, ids[1]))

	var positions []int
	require.NoError(t, s.db.Select(&positions, `
		SELECT queue_position FROM reservations
		WHERE isbn = '978-4' AND status = 'active'
		ORDER BY queue_position
	`))
	assert.Equal(t, []int{1, 2}, positions)

	// Expiry clears the rest after the validity window passes.
	s.clock.Advance(4 * 24 * time.Hour)
	n, err := s.service.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcurrentBorrowLastCopy(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-5", "The Dispossessed", 1)
	alice := s.addMember(t, "Alice", "S001")
	bob := s.addMember(t, "Bob", "S002")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, member := range []int64{alice, bob} {
		wg.Add(1)
		go func(i int, member int64) {
			defer wg.Done()
			_, errs[i] = s.service.Borrow(ctx, "978-5", member)
		}(i, member)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, circulation.ErrItemUnavailable)
		}
	}
	assert.Equal(t, 1, succeeded)

	avail, err := s.service.Availability(ctx, "978-5")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.Available)
}

func TestReserveWithCopiesAvailableRefused(t *testing.T) {
	s := setup(t)
	ctx := context.Background()

	s.addItem(t, "978-6", "Foundation", 3)
	alice := s.addMember(t, "Alice", "S001")

	_, err := s.service.Reserve(ctx, "978-6", alice)
	assert.ErrorIs(t, err, circulation.ErrItemAvailable)
}
