package notify

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type MailerConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Mailer delivers rendered messages over SMTP.
type Mailer struct {
	addr   string
	auth   smtp.Auth
	from   mail.Address
	logger *logrus.Logger

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailer(config MailerConfig, logger *logrus.Logger) (*Mailer, error) {
	from, err := mail.ParseAddress(config.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", config.From, err)
	}
	m := &Mailer{
		addr:     net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		from:     *from,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
	if config.User != "" {
		m.auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}
	return m, nil
}

func (m *Mailer) Send(ctx context.Context, msg Message) error {
	to, err := mail.ParseAddress(msg.Recipient)
	if err != nil {
		return fmt.Errorf("%w: invalid recipient %q", ErrPermanent, msg.Recipient)
	}
	body, err := Render(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw := buildMIME(m.from, *to, msg.Subject, body, time.Now())
	if err := m.sendMail(m.addr, m.auth, m.from.Address, []string{to.Address}, raw); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to.Address, err)
	}

	m.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"order_id":   msg.OrderID,
		"recipient":  to.Address,
	}).Info("Notification email sent")
	return nil
}

func buildMIME(from, to mail.Address, subject, html string, date time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from.String() + "\r\n")
	b.WriteString("To: " + to.String() + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	return []byte(b.String())
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"order_id":   msg.OrderID,
		"recipient":  msg.Recipient,
		"subject":    msg.Subject,
		"items":      msg.Data.Items,
		"total":      msg.Data.Total,
	}).Info("Notification")
	return nil
}
