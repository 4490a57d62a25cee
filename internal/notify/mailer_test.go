package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMailer(send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error) *Mailer {
	m := NewMailer(SMTPConfig{
		Host: "mail.test",
		Port: 587,
		From: "library@school.test",
	}, DefaultTemplates(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.send = send
	return m
}

func TestMailerEmitSendsRenderedMail(t *testing.T) {
	var gotTo []string
	var gotMsg []byte
	m := testMailer(func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotTo = to
		gotMsg = msg
		return nil
	})

	err := m.Emit(context.Background(), Event{
		Type: "overdue_notice",
		Payload: map[string]string{
			"member_email": "kid@school.test",
			"book_title":   "Dune",
			"due_date":     "2026-03-01",
			"days_overdue": "3",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kid@school.test"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Overdue: Dune")
	assert.Contains(t, string(gotMsg), "3 day(s) late")
}

func TestMailerEmitSkipsUnmailableEvents(t *testing.T) {
	m := testMailer(func(_ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		t.Fatal("send must not be called")
		return nil
	})

	// No template for this event type.
	require.NoError(t, m.Emit(context.Background(), Event{Type: "reservation_placed",
		Payload: map[string]string{"member_email": "kid@school.test"}}))

	// No recipient.
	require.NoError(t, m.Emit(context.Background(), Event{Type: "overdue_notice",
		Payload: map[string]string{"book_title": "Dune"}}))
}

func TestMailerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	m := testMailer(func(_ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		calls++
		return errors.New("connection refused")
	})

	ev := Event{Type: "overdue_notice", Payload: map[string]string{
		"member_email": "kid@school.test", "book_title": "Dune",
	}}

	for i := 0; i < 3; i++ {
		assert.Error(t, m.Emit(context.Background(), ev))
	}
	require.Equal(t, 3, calls)

	// Breaker is open now: emits fail fast without reaching SMTP.
	assert.Error(t, m.Emit(context.Background(), ev))
	assert.Equal(t, 3, calls)
}
