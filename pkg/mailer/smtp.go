// Package mailer sends HTML mail over SMTP with context deadlines.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mail "github.com/wneessen/go-mail"
)

var (
	// ErrMissingHost indicates no SMTP host was configured
	ErrMissingHost = errors.New("smtp host is required")

	// ErrInvalidAddress indicates a sender or recipient address could not be parsed
	ErrInvalidAddress = errors.New("invalid email address")
)

const defaultPort = 587

// Config holds SMTP server settings
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

func (c Config) port() int {
	if c.Port == 0 {
		return defaultPort
	}
	return c.Port
}

// Addr returns host:port, defaulting to the submission port
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// Message is a single HTML email
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// NewMessage renders msg with the configured sender
func NewMessage(cfg Config, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(cfg.FromName, cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("%w: sender %q", ErrInvalidAddress, cfg.FromEmail)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, msg.To)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(time.Now())
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)
	return m, nil
}

func newClient(cfg Config, timeout time.Duration) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.port()),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if timeout > 0 {
		opts = append(opts, mail.WithTimeout(timeout))
	}
	if cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return mail.NewClient(cfg.Host, opts...)
}

// Send delivers msg. Port 465 uses implicit TLS; other ports upgrade with
// STARTTLS when the server offers it. The context deadline bounds each
// step of the conversation.
func Send(ctx context.Context, cfg Config, msg Message) error {
	if cfg.Host == "" {
		return ErrMissingHost
	}
	m, err := NewMessage(cfg, msg)
	if err != nil {
		return err
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	client, err := newClient(cfg, timeout)
	if err != nil {
		return fmt.Errorf("invalid smtp settings: %w", err)
	}

	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Addr(), err)
	}
	defer client.Close()

	if err := client.Send(m); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}
