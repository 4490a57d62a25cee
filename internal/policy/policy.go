// Package policy provides circulation policy values backed by the settings
// table. Values are runtime-mutable: admins change them through the settings
// endpoint and running operations pick them up on the next snapshot refresh.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidSetting marks a rejected settings update (unknown key or bad value).
var ErrInvalidSetting = errors.New("invalid setting")

// Settings keys as stored in the settings table.
const (
	KeyFinePerDay            = "fine_per_day"
	KeyLoanPeriodDays        = "loan_period_days"
	KeyMaxRenewCount         = "max_renew_count"
	KeyReservationExpiryDays = "reservation_expiry_days"
	KeyMaxBooksPerMember     = "max_books_per_member"
	KeySuspensionDays        = "suspension_days"
)

// Policy is one consistent snapshot of the circulation settings.
type Policy struct {
	FinePerDay            float64
	LoanPeriodDays        int
	MaxRenewCount         int
	ReservationExpiryDays int
	MaxBooksPerMember     int
	SuspensionDays        int
}

// Defaults mirror the seed rows of the settings table and are used for any
// key missing from the store.
func Defaults() Policy {
	return Policy{
		FinePerDay:            1.0,
		LoanPeriodDays:        14,
		MaxRenewCount:         2,
		ReservationExpiryDays: 3,
		MaxBooksPerMember:     5,
		SuspensionDays:        30,
	}
}

// Store reads policy snapshots from the settings table and caches them for a
// short interval so circulation operations do not query settings per call.
type Store struct {
	db    *sqlx.DB
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.RWMutex
	cached    Policy
	fetchedAt time.Time
}

// NewStore creates a settings-backed policy store. ttl bounds cache staleness;
// an Update through this store invalidates the cache immediately.
func NewStore(db *sqlx.DB, clock clockwork.Clock, ttl time.Duration) *Store {
	return &Store{db: db, clock: clock, ttl: ttl}
}

// Current returns the cached snapshot, refreshing it from the database when
// the cache is cold or stale. A read failure on a warm cache degrades to the
// last known snapshot.
func (s *Store) Current(ctx context.Context) (Policy, error) {
	s.mu.RLock()
	warm := !s.fetchedAt.IsZero()
	fresh := warm && s.clock.Since(s.fetchedAt) < s.ttl
	cached := s.cached
	s.mu.RUnlock()

	if fresh {
		return cached, nil
	}

	p, err := s.load(ctx)
	if err != nil {
		if warm {
			return cached, nil
		}
		return Policy{}, err
	}

	s.mu.Lock()
	s.cached = p
	s.fetchedAt = s.clock.Now()
	s.mu.Unlock()
	return p, nil
}

// Update upserts one settings key and invalidates the cache.
func (s *Store) Update(ctx context.Context, key, value string) error {
	if err := validate(key, value); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
	return nil
}

func (s *Store) load(ctx context.Context) (Policy, error) {
	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings`); err != nil {
		return Policy{}, fmt.Errorf("load settings: %w", err)
	}

	kv := make(map[string]string, len(rows))
	for _, r := range rows {
		kv[r.Key] = r.Value
	}
	return FromMap(kv), nil
}

// FromMap builds a snapshot from raw key/value settings, falling back to
// defaults for missing or malformed values.
func FromMap(kv map[string]string) Policy {
	p := Defaults()
	if v, err := strconv.ParseFloat(kv[KeyFinePerDay], 64); err == nil && v >= 0 {
		p.FinePerDay = v
	}
	intKeys := []struct {
		key string
		dst *int
	}{
		{KeyLoanPeriodDays, &p.LoanPeriodDays},
		{KeyMaxRenewCount, &p.MaxRenewCount},
		{KeyReservationExpiryDays, &p.ReservationExpiryDays},
		{KeyMaxBooksPerMember, &p.MaxBooksPerMember},
		{KeySuspensionDays, &p.SuspensionDays},
	}
	for _, ik := range intKeys {
		if v, err := strconv.Atoi(kv[ik.key]); err == nil && v >= 0 {
			*ik.dst = v
		}
	}
	return p
}

func validate(key, value string) error {
	switch key {
	case KeyFinePerDay:
		if v, err := strconv.ParseFloat(value, 64); err != nil || v < 0 {
			return fmt.Errorf("%w: %s: %q is not a non-negative number", ErrInvalidSetting, key, value)
		}
	case KeyLoanPeriodDays, KeyMaxRenewCount, KeyReservationExpiryDays,
		KeyMaxBooksPerMember, KeySuspensionDays:
		if v, err := strconv.Atoi(value); err != nil || v < 0 {
			return fmt.Errorf("%w: %s: %q is not a non-negative integer", ErrInvalidSetting, key, value)
		}
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidSetting, key)
	}
	return nil
}
