package notify

import (
	"strings"

	"github.com/sirupsen/logrus"
	gomail "gopkg.in/gomail.v2"
)

// Sender delivers a composed message. Split out so tests can capture mail
// instead of speaking SMTP.
type Sender interface {
	Send(to []string, subject, htmlBody string) error
}

// SMTPSender relays through the configured mail server, falling back to the
// local MTA when the relay is unreachable. Mail is best-effort: failures are
// logged and never retried synchronously.
type SMTPSender struct {
	MailServer string
	From       string
	ReplyTo    string
	log        *logrus.Entry
}

// NewSMTPSender returns a sender for the given relay.
func NewSMTPSender(mailServer, from, replyTo string, log *logrus.Entry) *SMTPSender {
	return &SMTPSender{MailServer: mailServer, From: from, ReplyTo: replyTo, log: log}
}

// Send composes and delivers one HTML message.
func (s *SMTPSender) Send(to []string, subject, htmlBody string) error {
	if len(to) == 0 {
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.From)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	if s.ReplyTo != "" {
		msg.SetHeader("Reply-To", s.ReplyTo)
	}
	msg.SetBody("text/html", htmlBody)

	if err := s.dial(s.MailServer, msg); err != nil {
		if s.MailServer == "localhost" {
			return err
		}
		s.log.WithError(err).Warnf("Unable to send mail through %s; falling back to localhost", s.MailServer)
		return s.dial("localhost", msg)
	}
	return nil
}

func (s *SMTPSender) dial(server string, msg *gomail.Message) error {
	host, port := server, 25
	if h, p, found := strings.Cut(server, ":"); found {
		host = h
		if parsed := parsePort(p); parsed > 0 {
			port = parsed
		}
	}
	dialer := gomail.Dialer{Host: host, Port: port}
	return dialer.DialAndSend(msg)
}

func parsePort(raw string) int {
	port := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		port = port*10 + int(r-'0')
	}
	return port
}
