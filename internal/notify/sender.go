// Package notify отправляет покупателю подтверждение оплаченного заказа.
package notify

import (
	"context"
	"net/smtp"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

// Message: простое текстовое письмо.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender доставляет письма.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender пишет письмо в лог вместо отправки. Используется по умолчанию.
type LogSender struct {
	logger *log.Entry
}

// NewLogSender создаёт LogSender.
func NewLogSender(logger *log.Entry) *LogSender {
	if logger == nil {
		logger = log.WithField("component", "notify-log-sender")
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.WithFields(log.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("order confirmation email")
	return nil
}

// SMTPConfig задаёт relay для SMTPSender.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// SMTPSender отправляет письма через SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender создаёт SMTPSender. Аутентификация включается, если задан Username.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Addr == "" || cfg.From == "" {
		return nil, errors.New("smtp addr and from are required")
	}
	s := &SMTPSender{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		host := cfg.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("header injection in email message")
	}

	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	if err := s.send(s.cfg.Addr, s.auth, s.cfg.From, []string{msg.To}, []byte(b.String())); err != nil {
		return errors.Wrapf(err, "smtp send to %s", msg.To)
	}
	return nil
}
