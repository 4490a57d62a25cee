// Package membership is the circulation core's view of library members:
// standing lookups, borrow counters and the suspension column. Member CRUD
// is owned elsewhere.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no member exists for an id or school number.
var ErrNotFound = errors.New("membership: member not found")

// Member is a person entitled to borrow. ReliabilityScore is read-only to
// the circulation core.
type Member struct {
	ID               int64      `db:"id" json:"id"`
	FullName         string     `db:"full_name" json:"full_name"`
	SchoolNo         string     `db:"school_no" json:"school_no"`
	Email            string     `db:"email" json:"email"`
	PINHash          string     `db:"pin_hash" json:"-"`
	PINSalt          string     `db:"pin_salt" json:"-"`
	SuspendedUntil   *time.Time `db:"suspended_until" json:"suspended_until,omitempty"`
	TotalBorrowed    int        `db:"total_borrowed" json:"total_borrowed"`
	CurrentBorrowed  int        `db:"current_borrowed" json:"current_borrowed"`
	ReliabilityScore float64    `db:"reliability_score" json:"reliability_score"`
}

// Store reads and updates member rows in the shared database.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const memberColumns = `id, full_name, school_no, email, pin_hash, pin_salt,
	suspended_until, total_borrowed, current_borrowed, reliability_score`

// Member fetches one member outside any transaction.
func (s *Store) Member(ctx context.Context, id int64) (*Member, error) {
	var m Member
	err := s.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %d: %w", id, err)
	}
	return &m, nil
}

// BySchoolNo resolves a member from the school number printed on their card,
// the identifier kiosks scan.
func (s *Store) BySchoolNo(ctx context.Context, schoolNo string) (*Member, error) {
	var m Member
	err := s.db.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE school_no = $1`, schoolNo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member by school no %s: %w", schoolNo, err)
	}
	return &m, nil
}

// MemberForUpdate fetches one member inside tx with a row lock.
func (s *Store) MemberForUpdate(ctx context.Context, tx *sqlx.Tx, id int64) (*Member, error) {
	var m Member
	err := tx.GetContext(ctx, &m,
		`SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock member %d: %w", id, err)
	}
	return &m, nil
}

// ApplyBorrow bumps both borrow counters on a successful borrow.
func (s *Store) ApplyBorrow(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE members
		SET total_borrowed = total_borrowed + 1,
		    current_borrowed = current_borrowed + 1
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("apply borrow to member %d: %w", id, err)
	}
	return nil
}

// ApplyReturn decrements the open-loan counter, floored at zero as a guard
// against historical drift.
func (s *Store) ApplyReturn(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE members
		SET current_borrowed = GREATEST(current_borrowed - 1, 0)
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("apply return to member %d: %w", id, err)
	}
	return nil
}

// Suspend sets the suspension end timestamp.
func (s *Store) Suspend(ctx context.Context, tx *sqlx.Tx, id int64, until time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE members SET suspended_until = $2 WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("suspend member %d: %w", id, err)
	}
	return nil
}
