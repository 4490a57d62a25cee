// Package catalog is the circulation core's view of the book catalog.
// Catalog records are owned elsewhere; this package only reads item identity
// and copy counts and maintains the two borrow-derived counters.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no item exists for an ISBN.
var ErrNotFound = errors.New("catalog: item not found")

// Item is a catalog entry identified by its ISBN.
type Item struct {
	ISBN             string     `db:"isbn" json:"isbn"`
	Title            string     `db:"title" json:"title"`
	Author           string     `db:"author" json:"author"`
	TotalCopies      int        `db:"total_copies" json:"total_copies"`
	TotalBorrowCount int        `db:"total_borrow_count" json:"total_borrow_count"`
	LastBorrowedAt   *time.Time `db:"last_borrowed_at" json:"last_borrowed_at,omitempty"`
}

// Store reads and updates catalog rows in the shared database.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const itemColumns = `isbn, title, author, total_copies, total_borrow_count, last_borrowed_at`

// Item fetches one item outside any transaction.
func (s *Store) Item(ctx context.Context, isbn string) (*Item, error) {
	var it Item
	err := s.db.GetContext(ctx, &it,
		`SELECT `+itemColumns+` FROM items WHERE isbn = $1`, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", isbn, err)
	}
	return &it, nil
}

// ItemForUpdate fetches one item inside tx and takes a row lock, serializing
// concurrent availability checks for the same item.
func (s *Store) ItemForUpdate(ctx context.Context, tx *sqlx.Tx, isbn string) (*Item, error) {
	var it Item
	err := tx.GetContext(ctx, &it,
		`SELECT `+itemColumns+` FROM items WHERE isbn = $1 FOR UPDATE`, isbn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item %s: %w", isbn, err)
	}
	return &it, nil
}

// RecordBorrow bumps the derived borrow counters. Only the circulation core
// calls this, on a successful borrow, inside the borrow transaction.
func (s *Store) RecordBorrow(ctx context.Context, tx *sqlx.Tx, isbn string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE items
		SET total_borrow_count = total_borrow_count + 1, last_borrowed_at = $2
		WHERE isbn = $1
	`, isbn, at)
	if err != nil {
		return fmt.Errorf("record borrow for %s: %w", isbn, err)
	}
	return nil
}
