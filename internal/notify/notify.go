// Package notify is the admin mail sink. Conversion and extract failures are
// reported through it with the full error text.
package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"net/textproto"
	"sync"

	"github.com/jordan-wright/email"
)

// Sink delivers messages to the site admins.
type Sink interface {
	NotifyAdmins(ctx context.Context, subject, body string) error
}

// SMTPConfig configures the SMTP sink.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Admins   []string
	Username string
	Password string
}

// SMTPSink sends admin mail over SMTP.
type SMTPSink struct {
	cfg  SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSMTPSink creates an SMTP sink.
func NewSMTPSink(cfg SMTPConfig) *SMTPSink {
	return &SMTPSink{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (s *SMTPSink) NotifyAdmins(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &email.Email{
		To:      s.cfg.Admins,
		From:    s.cfg.From,
		Subject: "[mldata] " + subject,
		Text:    []byte(body),
		Headers: textproto.MIMEHeader{},
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		host, _, err := net.SplitHostPort(s.cfg.Addr)
		if err != nil {
			host = s.cfg.Addr
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	if err := s.send(e, s.cfg.Addr, auth); err != nil {
		return fmt.Errorf("notify: cannot send email: %w", err)
	}
	return nil
}

// LogSink writes admin mail to the process log. It is used when no SMTP
// server is configured.
type LogSink struct{}

func (LogSink) NotifyAdmins(_ context.Context, subject, body string) error {
	log.Printf("notify: %s\n%s", subject, body)
	return nil
}

// Message is one recorded notification.
type Message struct {
	Subject string
	Body    string
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) NotifyAdmins(_ context.Context, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Body: body})
	return nil
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
