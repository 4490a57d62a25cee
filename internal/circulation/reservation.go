package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ReservationQueue maintains the per-item FIFO hold queue. All methods run
// inside the caller's transaction so queue changes commit atomically with
// the operation that caused them.
type ReservationQueue struct{}

const reservationColumns = `id, isbn, member_id, queue_position, status, expires_at, created_at`

// Enqueue appends the member to the item's queue at position max+1.
// Availability must have been checked by the caller; Enqueue only guards
// against duplicate active reservations for the same pair.
func (ReservationQueue) Enqueue(ctx context.Context, tx *sqlx.Tx, isbn string, memberID int64, now time.Time, expiryDays int) (*Reservation, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM reservations
			WHERE isbn = $1 AND member_id = $2 AND status = 'active'
		)
	`, isbn, memberID)
	if err != nil {
		return nil, fmt.Errorf("check existing reservation: %w", err)
	}
	if exists {
		return nil, ErrAlreadyQueued
	}

	var maxPos int
	err = tx.GetContext(ctx, &maxPos, `
		SELECT COALESCE(MAX(queue_position), 0) FROM reservations
		WHERE isbn = $1 AND status = 'active'
	`, isbn)
	if err != nil {
		return nil, fmt.Errorf("queue tail for %s: %w", isbn, err)
	}

	r := &Reservation{
		ISBN:          isbn,
		MemberID:      memberID,
		QueuePosition: maxPos + 1,
		Status:        ReservationActive,
		ExpiresAt:     now.AddDate(0, 0, expiryDays),
		CreatedAt:     now,
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO reservations (isbn, member_id, queue_position, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, r.ISBN, r.MemberID, r.QueuePosition, r.Status, r.ExpiresAt, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return r, nil
}

// Cancel marks a reservation cancelled and closes the gap it leaves.
func (q ReservationQueue) Cancel(ctx context.Context, tx *sqlx.Tx, reservationID int64) (*Reservation, error) {
	return q.close(ctx, tx, reservationID, ReservationCancelled)
}

// Fulfill marks a reservation fulfilled (its holder borrowed the item) and
// closes the gap it leaves.
func (q ReservationQueue) Fulfill(ctx context.Context, tx *sqlx.Tx, reservationID int64) (*Reservation, error) {
	return q.close(ctx, tx, reservationID, ReservationFulfilled)
}

func (q ReservationQueue) close(ctx context.Context, tx *sqlx.Tx, reservationID int64, status ReservationStatus) (*Reservation, error) {
	var r Reservation
	err := tx.GetContext(ctx, &r,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveReservation
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %d: %w", reservationID, err)
	}
	if r.Status != ReservationActive {
		return nil, ErrNoActiveReservation
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE reservations SET status = $2 WHERE id = $1`, r.ID, status)
	if err != nil {
		return nil, fmt.Errorf("close reservation %d: %w", r.ID, err)
	}
	r.Status = status

	if err := q.renumberItem(ctx, tx, r.ISBN); err != nil {
		return nil, err
	}
	return &r, nil
}

// ExpireStale expires every active reservation past its expiry and renumbers
// the affected queues. Idempotent and safe to call repeatedly.
func (q ReservationQueue) ExpireStale(ctx context.Context, tx *sqlx.Tx, now time.Time) (int, error) {
	var isbns []string
	err := tx.SelectContext(ctx, &isbns, `
		UPDATE reservations SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1
		RETURNING isbn
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale reservations: %w", err)
	}
	if len(isbns) == 0 {
		return 0, nil
	}

	seen := map[string]bool{}
	for _, isbn := range isbns {
		if seen[isbn] {
			continue
		}
		seen[isbn] = true
		if err := q.renumberItem(ctx, tx, isbn); err != nil {
			return 0, err
		}
	}
	return len(isbns), nil
}

// Head returns the active reservation at position 1 for the item, or nil if
// the queue is empty. Used on return to decide who gets first refusal; the
// core never converts the hold into a loan on the holder's behalf.
func (ReservationQueue) Head(ctx context.Context, tx *sqlx.Tx, isbn string) (*Reservation, error) {
	var r Reservation
	err := tx.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE isbn = $1 AND status = 'active' AND queue_position = 1
	`, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue head for %s: %w", isbn, err)
	}
	return &r, nil
}

// ActiveFor returns the member's active reservation for the item, if any.
func (ReservationQueue) ActiveFor(ctx context.Context, tx *sqlx.Tx, isbn string, memberID int64) (*Reservation, error) {
	var r Reservation
	err := tx.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE isbn = $1 AND member_id = $2 AND status = 'active'
	`, isbn, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active reservation for %s/%d: %w", isbn, memberID, err)
	}
	return &r, nil
}

// renumberItem reloads the item's active queue in order and rewrites any
// position that drifted from the gap-free 1..N sequence.
func (ReservationQueue) renumberItem(ctx context.Context, tx *sqlx.Tx, isbn string) error {
	var active []Reservation
	err := tx.SelectContext(ctx, &active, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE isbn = $1 AND status = 'active'
		ORDER BY queue_position
		FOR UPDATE
	`, isbn)
	if err != nil {
		return fmt.Errorf("load queue for %s: %w", isbn, err)
	}

	for id, pos := range reindex(active) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET queue_position = $2 WHERE id = $1`, id, pos); err != nil {
			return fmt.Errorf("renumber reservation %d: %w", id, err)
		}
	}
	return nil
}

// reindex computes the position updates that restore a gap-free 1..N
// sequence. Input must be the item's active reservations ordered by current
// position; relative order is preserved.
func reindex(active []Reservation) map[int64]int {
	updates := make(map[int64]int)
	for i, r := range active {
		if want := i + 1; r.QueuePosition != want {
			updates[r.ID] = want
		}
	}
	return updates
}
