// Package mailer delivers result emails through an SMTP relay.
package mailer

import (
	"crypto/tls"
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"github.com/ctroy978/nighteval/internal/delivery"
	"github.com/ctroy978/nighteval/internal/domain"
)

// Config carries the SMTP relay settings.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	UseTLS    bool
	FromEmail string
	FromName  string
}

// Mailer implements delivery.Sender over SMTP.
type Mailer struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
}

// New constructs a Mailer for the given relay.
func New(cfg Config) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.UseTLS {
		d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return &Mailer{dialer: d, from: cfg.FromEmail, fromName: cfg.FromName}
}

// Send builds and delivers one message. The dial happens per message; the
// per-minute pacing upstream keeps connection churn low.
func (m *Mailer) Send(ctx domain.Context, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}

	gm := gomail.NewMessage()
	if m.fromName != "" {
		gm.SetAddressHeader("From", m.from, m.fromName)
	} else {
		gm.SetHeader("From", m.from)
	}
	gm.SetAddressHeader("To", msg.To, msg.ToName)
	gm.SetHeader("Subject", msg.Subject)
	if msg.Section != "" {
		gm.SetHeader("X-Student-Section", msg.Section)
	}
	gm.SetBody("text/plain", msg.Body)
	for _, a := range msg.Attachments {
		gm.Attach(a.Path, gomail.Rename(a.Filename))
	}

	if err := m.dialer.DialAndSend(gm); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}
