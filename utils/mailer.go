package utils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
	"mailpulse/config"
)

// Envelope is a fully rendered outbound message.
type Envelope struct {
	FromEmail   string
	FromName    string
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []string
	InReplyTo   string
}

// Transport delivers rendered messages.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// SMTPTransport sends through an SMTP relay with gomail.
type SMTPTransport struct {
	dialer    *gomail.Dialer
	fromEmail string
	fromName  string
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(env.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	fromEmail, fromName := env.FromEmail, env.FromName
	if fromEmail == "" {
		fromEmail, fromName = t.fromEmail, t.fromName
	}

	m := gomail.NewMessage()
	if fromName != "" {
		m.SetAddressHeader("From", fromEmail, fromName)
	} else {
		m.SetHeader("From", fromEmail)
	}
	m.SetHeader("To", env.To...)
	m.SetHeader("Subject", env.Subject)
	m.SetHeader("Message-ID", NewMessageID(fromEmail))
	m.SetDateHeader("Date", time.Now())
	if env.InReplyTo != "" {
		m.SetHeader("In-Reply-To", env.InReplyTo)
		m.SetHeader("References", env.InReplyTo)
	}
	m.SetBody("text/html", env.HTMLBody)
	for _, path := range env.Attachments {
		m.Attach(path)
	}

	if err := t.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

// NewMessageID builds an RFC 5322 Message-ID in the sender's domain.
func NewMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
