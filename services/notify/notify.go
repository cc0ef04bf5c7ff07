// Package notify delivers alert mails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when no mail server is set up.
var ErrNotConfigured = errors.New("notification is not configured")

// Sender delivers one message to a set of recipients.
type Sender interface {
	SendAlert(ctx context.Context, recipients []string, subject, body string) error
}

// Config mirrors the SMTP_* settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Configured reports whether enough settings are present to send mail.
func (c Config) Configured() bool {
	return c.Host != "" && c.From != ""
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends mail through a relay.
type SMTP struct {
	cfg    Config
	send   sendFunc
	now    func() time.Time
	logger zerolog.Logger
}

func NewSMTP(cfg Config, logger zerolog.Logger) *SMTP {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTP{
		cfg:    cfg,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// SendAlert returns ErrNotConfigured without a relay. It does not retry.
func (s *SMTP) SendAlert(ctx context.Context, recipients []string, subject, body string) error {
	if s == nil || !s.cfg.Configured() {
		return ErrNotConfigured
	}
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := s.message(recipients, subject, body)

	if err := s.send(addr, auth, s.cfg.From, recipients, msg); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	s.logger.Info().Strs("recipients", recipients).Str("subject", subject).Msg("alert sent")
	return nil
}

func (s *SMTP) message(to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Recorder collects alerts in memory.
type Recorder struct {
	Sent []Message
	Err  error
}

// Message is one recorded alert.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

func (r *Recorder) SendAlert(_ context.Context, recipients []string, subject, body string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, Message{Recipients: recipients, Subject: subject, Body: body})
	return nil
}

var (
	_ Sender = (*SMTP)(nil)
	_ Sender = (*Recorder)(nil)
)
