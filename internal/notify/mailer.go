package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/sony/gobreaker"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Mailer turns events into emails for members. Sends go through a circuit
// breaker so a dead mail server cannot slow circulation operations down to
// the SMTP timeout on every request.
type Mailer struct {
	cfg       SMTPConfig
	templates map[string]Template
	breaker   *gobreaker.CircuitBreaker
	log       *slog.Logger
	send      func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailer(cfg SMTPConfig, templates map[string]Template, log *slog.Logger) *Mailer {
	return &Mailer{
		cfg:       cfg,
		templates: templates,
		log:       log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "smtp",
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		send: smtp.SendMail,
	}
}

// Emit mails the event to the member if a template exists and the payload
// carries a member_email. Events without either are silently skipped.
func (m *Mailer) Emit(ctx context.Context, ev Event) error {
	tpl, ok := m.templates[ev.Type]
	if !ok {
		return nil
	}
	to := ev.Payload["member_email"]
	if to == "" {
		return nil
	}

	subject, body := tpl.Render(ev.Payload)
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From, to, subject, body))

	_, err := m.breaker.Execute(func() (any, error) {
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
		return nil, m.send(addr, auth, m.cfg.From, []string{to}, msg)
	})
	if err != nil {
		return fmt.Errorf("mail %s to %s: %w", ev.Type, to, err)
	}

	m.log.DebugContext(ctx, "mail sent", "event", ev.Type, "to", to)
	return nil
}
