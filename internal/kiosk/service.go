package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"libracirc/internal/membership"
)

// Verification failures surfaced to the kiosk UI.
var (
	ErrMemberNotFound = errors.New("kiosk: member not found")
	ErrBadPIN         = errors.New("kiosk: wrong PIN")
)

// SuspendedError refuses a session to a suspended member; kiosks show the
// end date on screen.
type SuspendedError struct {
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("kiosk: member is suspended until %s", e.Until.Format("2006-01-02"))
}

// Service verifies a member's identity against their school number and PIN
// and opens a bounded session on success.
type Service struct {
	members  *membership.Store
	sessions *SessionStore
	clock    clockwork.Clock
}

func NewService(members *membership.Store, sessions *SessionStore, clock clockwork.Clock) *Service {
	return &Service{members: members, sessions: sessions, clock: clock}
}

// StartSession verifies the member and issues a session token.
func (s *Service) StartSession(ctx context.Context, schoolNo, pin string) (token string, memberID int64, err error) {
	member, err := s.members.BySchoolNo(ctx, schoolNo)
	if errors.Is(err, membership.ErrNotFound) {
		return "", 0, ErrMemberNotFound
	}
	if err != nil {
		return "", 0, err
	}

	ok, err := membership.VerifyPIN(pin, member.PINSalt, member.PINHash)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, ErrBadPIN
	}

	if until := member.SuspendedUntil; until != nil && until.After(s.clock.Now()) {
		return "", 0, &SuspendedError{Until: *until}
	}

	token, err = s.sessions.Start(member.ID)
	if err != nil {
		return "", 0, err
	}
	return token, member.ID, nil
}

// ValidateSession resolves a token to the member it belongs to.
func (s *Service) ValidateSession(token string) (int64, bool) {
	return s.sessions.Validate(token)
}

// EndSession discards the token.
func (s *Service) EndSession(token string) {
	s.sessions.End(token)
}
